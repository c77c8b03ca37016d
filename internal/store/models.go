package store

import (
	"fmt"
	"strings"
	"time"

	"inkwell/engine/internal/rbac"
)

// ProjectRef addresses a project as folder/id.
type ProjectRef struct {
	Folder string `json:"folder"`
	ID     string `json:"id"`
}

func (r ProjectRef) Key() string {
	return r.Folder + "/" + r.ID
}

func (r ProjectRef) String() string {
	return r.Key()
}

func (r ProjectRef) Validate() error {
	if r.Folder == "" || r.ID == "" {
		return fmt.Errorf("project ref %q: folder and id are required", r.Key())
	}
	if strings.Contains(r.Folder, "/") || strings.Contains(r.ID, "/") {
		return fmt.Errorf("project ref %q: folder and id must not contain '/'", r.Key())
	}
	return nil
}

// ParseRef splits a "folder/id" key.
func ParseRef(key string) (ProjectRef, error) {
	folder, id, ok := strings.Cut(key, "/")
	if !ok {
		return ProjectRef{}, fmt.Errorf("project ref %q: expected folder/id", key)
	}
	ref := ProjectRef{Folder: folder, ID: id}
	return ref, ref.Validate()
}

type Status string

const (
	StatusIdea        Status = "Idea"
	StatusDraft       Status = "Draft"
	StatusReview      Status = "Review"
	StatusApproval    Status = "Approval"
	StatusPublication Status = "Publication"
	StatusArchival    Status = "Archival"
)

var Lifecycle = []Status{StatusIdea, StatusDraft, StatusReview, StatusApproval, StatusPublication, StatusArchival}

func ValidStatus(s Status) bool {
	for _, candidate := range Lifecycle {
		if candidate == s {
			return true
		}
	}
	return false
}

type Project struct {
	Ref           ProjectRef           `json:"ref"`
	Title         string               `json:"title"`
	Owner         string               `json:"owner"`
	CreatedAt     time.Time            `json:"createdAt"`
	LastModified  time.Time            `json:"lastModified"`
	Status        Status               `json:"status"`
	Tags          []string             `json:"tags"`
	Collaborators map[string]rbac.Role `json:"collaborators,omitempty"`
	Metadata      *Metadata            `json:"metadata,omitempty"`
	Engagement    *Engagement          `json:"engagement,omitempty"`
}

// Version is the persisted record of an immutable snapshot. The bytes live in
// the content store under ContentHash.
type Version struct {
	Hash        string    `json:"hash"`
	ParentHash  string    `json:"parentHash"`
	Branch      string    `json:"branch"`
	Author      string    `json:"author"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"contentHash"`
	ContentSize int64     `json:"contentSize"`
	Label       string    `json:"label"`
}

type Branch struct {
	Name      string    `json:"name"`
	Head      string    `json:"head"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ShareLink struct {
	ID            string     `json:"id"`
	TokenDigest   string     `json:"tokenDigest,omitempty"`
	Project       ProjectRef `json:"project"`
	DefaultRole   rbac.Role  `json:"defaultRole"`
	Issuer        string     `json:"issuer"`
	CreatedAt     time.Time  `json:"createdAt"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	DeactivatedBy string     `json:"deactivatedBy,omitempty"`
}

type Metadata struct {
	Branch         string     `json:"branch"`
	Head           string     `json:"head"`
	WordCount      int        `json:"wordCount"`
	CharCount      int        `json:"charCount"`
	ReadingMinutes float64    `json:"readingMinutes"`
	ReadingTime    string     `json:"readingTime"`
	Collaborators  []string   `json:"collaborators"`
	Engagement     Engagement `json:"engagement"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Engagement holds figures reported by the analytics collaborator.
type Engagement struct {
	Likes          int       `json:"likes"`
	Comments       int       `json:"comments"`
	Shares         int       `json:"shares"`
	Score          float64   `json:"score"`
	PredictedReach string    `json:"predictedReach"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
