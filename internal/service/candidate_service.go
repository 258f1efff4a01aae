package service

import (
	"context"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// CandidateService handles candidate business logic.
type CandidateService struct {
	candidateRepo *repository.CandidateRepository
	bcryptCost    int
}

// NewCandidateService creates a new CandidateService.
func NewCandidateService(candidateRepo *repository.CandidateRepository, bcryptCost int) *CandidateService {
	return &CandidateService{candidateRepo: candidateRepo, bcryptCost: bcryptCost}
}

// GetByEmail retrieves a candidate by email.
func (s *CandidateService) GetByEmail(ctx context.Context, email string) (*model.Candidate, error) {
	return s.candidateRepo.GetByEmail(ctx, email)
}

// GetByID retrieves a candidate by ID.
func (s *CandidateService) GetByID(ctx context.Context, id int) (*model.Candidate, error) {
	return s.candidateRepo.GetByID(ctx, id)
}

// Create hashes the plaintext password held in PasswordHash and stores the candidate.
func (s *CandidateService) Create(ctx context.Context, c *model.Candidate) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(c.PasswordHash), s.bcryptCost)
	if err != nil {
		return err
	}
	c.PasswordHash = string(hash)
	return s.candidateRepo.Create(ctx, c)
}
