package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/xuri/excelize/v2"
)

var names = []string{
	"Budi Santoso", "Siti Aminah", "Andi Pratama", "Rina Wati", "Joko Susilo",
	"Ayu Lestari", "Dodi Kusuma", "Eka Putri", "Fahri Hamzah", "Gita Savitri",
	"Hendra Gunawan", "Ika Sari", "Lukman Hakim", "Maya Septiana", "Nanda Pratama",
	"Putri Dian", "Rafi Ahmad", "Toni Setiawan", "Wahyu Hidayat", "Zaki Anwar",
}

func main() {
	var (
		roster   string
		count    int
		password string
	)
	flag.StringVar(&roster, "file", "", "Roster workbook with columns email, name, password, eligible")
	flag.IntVar(&count, "count", 20, "Number of demo candidates when no roster is given")
	flag.StringVar(&password, "password", "candidate123", "Password for demo candidates")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var candidates []model.Candidate
	if roster != "" {
		var err error
		candidates, err = readRoster(roster)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read roster")
		}
	} else {
		candidates = demoCandidates(count, password)
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	candidateService := service.NewCandidateService(repository.NewCandidateRepository(pool), cfg.BcryptCost)

	fmt.Printf("=== Seeding %d Candidates ===\n", len(candidates))

	created, skipped := 0, 0
	for i := range candidates {
		c := &candidates[i]
		err := candidateService.Create(ctx, c)
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			skipped++
		case err != nil:
			fmt.Printf("Error creating candidate %s: %v\n", c.Email, err)
		default:
			created++
			if created%10 == 0 {
				fmt.Printf("Created %d candidates...\n", created)
			}
		}
	}

	fmt.Printf("\nSeed completed! Created %d, skipped %d existing, of %d.\n", created, skipped, len(candidates))
}

func demoCandidates(n int, password string) []model.Candidate {
	out := make([]model.Candidate, 0, n)
	for i := 0; i < n; i++ {
		name := names[i%len(names)]
		if i >= len(names) {
			name = fmt.Sprintf("%s %d", name, i/len(names)+1)
		}
		out = append(out, model.Candidate{
			Email:        fmt.Sprintf("candidate%d@exstem.test", i+1),
			Name:         name,
			PasswordHash: password, // hashed by CandidateService.Create
			IsEligible:   true,
		})
	}
	return out
}

func readRoster(path string) ([]model.Candidate, error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer book.Close()

	rows, err := book.GetRows(book.GetSheetName(0))
	if err != nil {
		return nil, err
	}

	var out []model.Candidate
	for i, cells := range rows {
		if i == 0 || len(cells) < 3 {
			continue // header or incomplete row
		}
		c := model.Candidate{
			Email:        strings.ToLower(strings.TrimSpace(cells[0])),
			Name:         strings.TrimSpace(cells[1]),
			PasswordHash: strings.TrimSpace(cells[2]),
			IsEligible:   true,
		}
		if len(cells) > 3 && strings.TrimSpace(cells[3]) != "" {
			eligible, err := strconv.ParseBool(strings.TrimSpace(cells[3]))
			if err != nil {
				return nil, fmt.Errorf("row %d: eligible must be true or false", i+1)
			}
			c.IsEligible = eligible
		}
		if c.Email == "" || c.Name == "" || c.PasswordHash == "" {
			return nil, fmt.Errorf("row %d: email, name and password are required", i+1)
		}
		out = append(out, c)
	}
	return out, nil
}
