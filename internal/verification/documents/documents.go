// Package documents decides whether an entity has uploaded every document its
// role requires. It is the only place the per-role document list is defined;
// the state machine guard, HTTP views and SLA queue all call into it.
//
// Every function here is pure: same inputs, same outputs, no side effects.
package documents

import "gigverify/internal/verification/models"

// Requirement is one document a role must upload.
type Requirement struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Document ids shared by both roles.
const (
	DocAadhaar             = "aadhaar"
	DocPAN                 = "pan"
	DocGSTCertificate      = "gst_certificate"
	DocShopLicense         = "shop_license"
	DocDrivingLicense      = "driving_license"
	DocVehicleRegistration = "vehicle_registration"
)

var requiredByRole = map[models.Role][]Requirement{
	models.RoleStore: {
		{ID: DocGSTCertificate, Name: "GST Certificate"},
		{ID: DocPAN, Name: "PAN Card"},
		{ID: DocAadhaar, Name: "Aadhaar Card"},
		{ID: DocShopLicense, Name: "Shop License"},
	},
	models.RoleGig: {
		{ID: DocAadhaar, Name: "Aadhaar Card"},
		{ID: DocPAN, Name: "PAN Card"},
		{ID: DocDrivingLicense, Name: "Driving License"},
		{ID: DocVehicleRegistration, Name: "Vehicle Registration"},
	},
}

// RequiredDocuments returns the ordered requirement list for role.
// Unknown roles get an empty list. The returned slice is a fresh copy.
func RequiredDocuments(role models.Role) []Requirement {
	reqs := requiredByRole[role]
	out := make([]Requirement, len(reqs))
	copy(out, reqs)
	return out
}

// DocumentStatus is the upload state of one requirement.
type DocumentStatus struct {
	Requirement
	Uploaded bool `json:"uploaded"`
}

// Report is the completeness evaluation for one entity.
type Report struct {
	Role            models.Role      `json:"role"`
	Documents       []DocumentStatus `json:"documents"`
	UploadedCount   int              `json:"uploadedCount"`
	RequiredCount   int              `json:"requiredCount"`
	HasAllDocuments bool             `json:"hasAllDocuments"`
}

// Evaluate reports per-document status and overall completeness.
// A nil uploads map is treated as nothing uploaded. An empty requirement
// list never counts as complete.
func Evaluate(role models.Role, uploads map[string]models.DocumentUpload) Report {
	reqs := RequiredDocuments(role)
	report := Report{
		Role:          role,
		Documents:     make([]DocumentStatus, 0, len(reqs)),
		RequiredCount: len(reqs),
	}
	for _, req := range reqs {
		uploaded := uploads[req.ID].Uploaded
		if uploaded {
			report.UploadedCount++
		}
		report.Documents = append(report.Documents, DocumentStatus{Requirement: req, Uploaded: uploaded})
	}
	report.HasAllDocuments = len(reqs) > 0 && report.UploadedCount == len(reqs)
	return report
}

// HasAllDocuments is shorthand for Evaluate(role, uploads).HasAllDocuments.
func HasAllDocuments(role models.Role, uploads map[string]models.DocumentUpload) bool {
	return Evaluate(role, uploads).HasAllDocuments
}

// ForEntity evaluates e.
func ForEntity(e *models.Entity) Report {
	if e == nil {
		return Evaluate("", nil)
	}
	return Evaluate(e.Role, e.Documents)
}
