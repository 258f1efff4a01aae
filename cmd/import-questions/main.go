package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/questionbank"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func main() {
	var (
		path   string
		dryRun bool
	)
	flag.StringVar(&path, "file", "", "Question file (.xlsx or .json)")
	flag.BoolVar(&dryRun, "dry-run", false, "Validate the file without writing to the database")
	flag.Parse()

	if path == "" {
		fmt.Println("Usage: import-questions -file questions.xlsx [-dry-run]")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	validator.Setup()

	format, err := questionbank.FormatFromPath(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot import file")
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open file")
	}
	defer f.Close()

	questions, err := questionbank.Parse(f, format)
	var importErr *questionbank.ImportError
	if errors.As(err, &importErr) {
		for _, row := range importErr.Rows {
			fmt.Println(row.Error())
		}
		log.Fatal().Int("invalid_rows", len(importErr.Rows)).Msg("Import rejected, nothing was written")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse file")
	}

	counts := map[model.Difficulty]int{}
	for _, q := range questions {
		counts[q.Difficulty]++
	}
	log.Info().
		Int("total", len(questions)).
		Int("easy", counts[model.DifficultyEasy]).
		Int("medium", counts[model.DifficultyMedium]).
		Int("hard", counts[model.DifficultyHard]).
		Msg("File parsed")

	if dryRun {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	inserted, err := repository.NewQuestionRepository(pool).BulkInsert(ctx, questions)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to insert questions")
	}
	log.Info().Int64("inserted", inserted).Msg("Import completed")
}
