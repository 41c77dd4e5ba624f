package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigverify/internal/verification/documents"
	"gigverify/internal/verification/models"
	"gigverify/pkg/platform/sentinel"
)

// Creator is satisfied by every registry implementation.
type Creator interface {
	Create(ctx context.Context, e *models.Entity) error
}

func uploaded(ids ...string) map[string]models.DocumentUpload {
	out := make(map[string]models.DocumentUpload, len(ids))
	for _, id := range ids {
		size := int64(180_000)
		ref := "uploads/" + id + ".jpg"
		out[id] = models.DocumentUpload{Uploaded: true, SizeBytes: &size, PayloadRef: &ref}
	}
	return out
}

// DemoEntities returns the development data set, registered relative to now.
func DemoEntities(now time.Time) []*models.Entity {
	mk := func(role models.Role, id, name string, age time.Duration, docs map[string]models.DocumentUpload) *models.Entity {
		e := models.NewEntity(models.EntityRef{Role: role, ID: id}, now.Add(-age))
		e.Name = name
		e.Email = id + "@example.com"
		e.Documents = docs
		return e
	}
	return []*models.Entity{
		mk(models.RoleStore, "store_001", "Sharma General Store", 3*time.Hour,
			uploaded(documents.DocPAN, documents.DocAadhaar)),
		mk(models.RoleGig, "gig_002", "Ravi Kumar", 10*time.Hour,
			uploaded(documents.DocAadhaar, documents.DocPAN, documents.DocDrivingLicense, documents.DocVehicleRegistration)),
		mk(models.RoleStore, "store_003", "FreshMart Andheri", 30*time.Hour,
			uploaded(documents.DocGSTCertificate, documents.DocPAN, documents.DocAadhaar, documents.DocShopLicense)),
		mk(models.RoleGig, "gig_004", "Anita Desai", 52*time.Hour,
			uploaded(documents.DocAadhaar, documents.DocPAN)),
	}
}

// SeedDemo registers the demo data set. Entities that already exist are left alone.
func SeedDemo(ctx context.Context, store Creator, now time.Time) (int, error) {
	created := 0
	for _, e := range DemoEntities(now) {
		err := store.Create(ctx, e)
		if errors.Is(err, sentinel.ErrDuplicate) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", e.Ref(), err)
		}
		created++
	}
	return created, nil
}
