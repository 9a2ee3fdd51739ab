package main

import (
	"context"
	"flag"
	"os"

	"trend-core/pkg/db"
	"trend-core/pkg/logging"
)

// verify_schema checks that a journal database carries every table and
// migrated column the engine writes to.
//
// Usage:
//
//	go run ./scripts/verify_schema -db ./data/trend.db
func main() {
	path := flag.String("db", "./data/trend.db", "journal database path")
	flag.Parse()

	log := logging.New("info")
	database, err := db.New(*path)
	if err != nil {
		log.Fatal().Err(err).Str("path", *path).Msg("open database")
	}
	defer database.Close()

	missing, err := db.VerifySchema(context.Background(), database)
	if err != nil {
		log.Fatal().Err(err).Msg("schema query failed")
	}
	if len(missing) > 0 {
		for _, m := range missing {
			log.Error().Str("missing", m).Msg("schema incomplete")
		}
		os.Exit(1)
	}
	log.Info().Str("path", *path).Msg("schema ok")
}
