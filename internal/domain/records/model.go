package records

import (
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/pkg/pagination"
)

// Type is the category a patient files a record under.
type Type string

const (
	TypePhysicalExamination Type = "Physical Examination"
	TypeLaboratory          Type = "Laboratory"
	TypeImaging             Type = "Imaging"
	TypePrescription        Type = "Prescription"
	TypeOther               Type = "Other"
)

var allTypes = []Type{
	TypePhysicalExamination,
	TypeLaboratory,
	TypeImaging,
	TypePrescription,
	TypeOther,
}

func (t Type) Valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Permission is the access level a share grant confers on a record.
type Permission string

const (
	PermissionView     Permission = "view"
	PermissionDownload Permission = "download"
	PermissionFull     Permission = "full"
)

func (p Permission) rank() int {
	switch p {
	case PermissionView:
		return 1
	case PermissionDownload:
		return 2
	case PermissionFull:
		return 3
	}
	return 0
}

func (p Permission) Valid() bool { return p.rank() > 0 }

// Covers reports whether p grants at least need. full covers download,
// download covers view.
func (p Permission) Covers(need Permission) bool {
	return p.Valid() && need.Valid() && p.rank() >= need.rank()
}

// Stronger returns the higher of p and q.
func (p Permission) Stronger(q Permission) Permission {
	if q.rank() > p.rank() {
		return q
	}
	return p
}

// Record is the metadata row for one uploaded file. Records are never
// updated, only deleted.
type Record struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Type         Type      `json:"type"`
	OwnerID      uuid.UUID `json:"owner_id"`
	UploadedBy   string    `json:"uploaded_by"`
	StoragePath  string    `json:"-"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	ContentHash  string    `json:"content_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// UploadInput is a file plus the metadata the patient entered for it.
type UploadInput struct {
	Title       string
	Type        Type
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
	// ShareWith lists doctor IDs that receive a grant on upload.
	ShareWith []uuid.UUID
	// SharePermission applies to every ShareWith grant. Empty means
	// download, so a doctor can open what was shared with them.
	SharePermission Permission
}

// ListFilter narrows a patient's own record list.
type ListFilter struct {
	Type  Type
	Query string
	pagination.Params
}

// PublicLink is a time-limited URL that serves the file without a session.
type PublicLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// allowedContentTypes maps every accepted media type to the extension used
// in the storage path.
var allowedContentTypes = map[string]string{
	"application/pdf":    "pdf",
	"image/jpeg":         "jpg",
	"image/png":          "png",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
}

var extensionContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// resolveContentType returns the canonical media type and storage extension
// for an upload. Browsers send application/octet-stream for some document
// types, so an unspecific type falls back to the file extension.
func resolveContentType(declared, fileName string) (string, string, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = extensionContentTypes[strings.ToLower(filepath.Ext(fileName))]
	}
	ext, ok := allowedContentTypes[mediaType]
	return mediaType, ext, ok
}
