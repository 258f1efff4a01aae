package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AdminService manages proctor accounts and their role.
type AdminService struct {
	adminRepo *repository.AdminRepository
	roleRepo  *repository.RoleRepository
}

// NewAdminService creates a new AdminService.
func NewAdminService(adminRepo *repository.AdminRepository, roleRepo *repository.RoleRepository) *AdminService {
	return &AdminService{adminRepo: adminRepo, roleRepo: roleRepo}
}

// GetByEmail retrieves an admin with role permissions by email.
func (s *AdminService) GetByEmail(ctx context.Context, email string) (*model.Admin, error) {
	return s.adminRepo.GetByEmail(ctx, normalizeEmail(email))
}

// GetByID retrieves an admin with role permissions by ID.
func (s *AdminService) GetByID(ctx context.Context, id int) (*model.Admin, error) {
	return s.adminRepo.GetByID(ctx, id)
}

// EnsureDefaultRole creates the proctor role holding every permission and
// tops up permissions added since it was first created.
func (s *AdminService) EnsureDefaultRole(ctx context.Context) (int, error) {
	return s.roleRepo.EnsureRole(ctx, model.DefaultRoleName, repository.PermissionCodes(model.AllPermissions))
}

// Create stores a new admin. A zero RoleID assigns the default proctor role.
func (s *AdminService) Create(ctx context.Context, admin *model.Admin) error {
	admin.Email = normalizeEmail(admin.Email)
	admin.Name = strings.TrimSpace(admin.Name)
	if admin.Email == "" || admin.Name == "" {
		return fmt.Errorf("%w: name and email are required", model.ErrValidation)
	}

	if admin.RoleID == 0 {
		roleID, err := s.EnsureDefaultRole(ctx)
		if err != nil {
			return fmt.Errorf("ensure default role: %w", err)
		}
		admin.RoleID = roleID
	}
	return s.adminRepo.Create(ctx, admin)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
