package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/config"
	"github.com/noah-isme/toko-checkout/internal/db"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/repo"
)

func main() {
	logger := obs.NewLogger("console", "info").With().Str("component", "seeder").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := seedProducts(ctx, &repo.Orders{Pool: pool}, order.DemoProducts(), logger); err != nil {
		logger.Error().Err(err).Msg("seed products")
		os.Exit(1)
	}
	logger.Info().Msg("seeding completed")
}

type productWriter interface {
	UpsertProduct(ctx context.Context, p order.Product) error
}

func seedProducts(ctx context.Context, w productWriter, products []order.Product, logger zerolog.Logger) error {
	for _, p := range products {
		if err := w.UpsertProduct(ctx, p); err != nil {
			return err
		}
		logger.Info().Str("product_id", p.ID).Int64("price", int64(p.Price)).Int("stock", p.Stock).Msg("product_seeded")
	}
	return nil
}
