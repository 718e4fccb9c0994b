package order

// DemoProducts is the starter catalog loaded into the in-memory store and by
// the seeder.
func DemoProducts() []Product {
	return []Product{
		{ID: "tee-black", Name: "Black Cotton Tee", Price: 350, Stock: 120},
		{ID: "tee-white", Name: "White Cotton Tee", Price: 350, Stock: 80},
		{ID: "canvas-bag", Name: "Canvas Tote Bag", Price: 500, Stock: 40},
		{ID: "denim-jacket", Name: "Denim Jacket", Price: 1850, Stock: 15},
		{ID: "cap-navy", Name: "Navy Baseball Cap", Price: 275, Stock: 60},
	}
}
