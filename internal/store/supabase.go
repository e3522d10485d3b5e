// Package store persists and reads business data in Supabase: business
// profiles that personalize the assistant, and archived call transcripts.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// ErrProfileNotFound is returned when no business matches the id.
var ErrProfileNotFound = errors.New("business profile not found")

// Profile is the slice of a business row the assistant needs.
type Profile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// Profiles resolves business profiles.
type Profiles interface {
	Get(ctx context.Context, businessID string) (Profile, error)
}

// Archive stores finished call artifacts.
type Archive interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

// Config selects the Supabase project.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Supabase implements Profiles and Archive.
type Supabase struct {
	client *supabase.Client
	bucket string

	uploadMu sync.Mutex
}

// New connects a Supabase client. No request is made until first use.
func New(cfg Config) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("supabase: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(strings.TrimRight(cfg.URL, "/"), cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase: create client: %w", err)
	}
	return &Supabase{client: client, bucket: cfg.Bucket}, nil
}

// Get reads the business row for businessID.
func (s *Supabase) Get(ctx context.Context, businessID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	var p Profile
	_, err := s.client.From("businesses").
		Select("id,name,system_prompt", "", false).
		Eq("id", businessID).
		Single().
		ExecuteTo(&p)
	if err != nil {
		// PGRST116: single object requested but zero rows matched
		if strings.Contains(err.Error(), "PGRST116") {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, fmt.Errorf("supabase: read business %s: %w", businessID, err)
	}
	return p, nil
}

// Upload stores data under key in the configured bucket.
func (s *Supabase) Upload(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The storage client keeps the content type on its shared transport.
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	opts := storage_go.FileOptions{ContentType: &contentType}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data), opts); err != nil {
		return fmt.Errorf("supabase: upload %s (%s): %w", key, contentType, err)
	}
	return nil
}

// Nop stands in for Supabase when it is not configured.
type Nop struct{}

func (Nop) Get(context.Context, string) (Profile, error) { return Profile{}, ErrProfileNotFound }

func (Nop) Upload(context.Context, string, string, []byte) error { return nil }
