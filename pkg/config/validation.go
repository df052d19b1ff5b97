package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration for structural and cross-field errors.
// Only the section of each store matching the selected type is validated.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: field %q fails %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Store.Nodes.Type == "badger" {
		if err := validateBadger(&cfg.Store.Nodes.Badger); err != nil {
			return fmt.Errorf("store.nodes.badger: %w", err)
		}
	}
	if cfg.Store.Blobs.Index.Type == "badger" {
		if err := validateBadger(&cfg.Store.Blobs.Index.Badger); err != nil {
			return fmt.Errorf("store.blobs.index.badger: %w", err)
		}
	}
	if cfg.Store.Blobs.Payloads.Type == "s3" {
		if err := validateS3(&cfg.Store.Blobs.Payloads.S3); err != nil {
			return fmt.Errorf("store.blobs.payloads.s3: %w", err)
		}
	}
	return nil
}

func validateBadger(cfg *BadgerConfig) error {
	if cfg.Path == "" && !cfg.InMemory {
		return errors.New("path is required unless in_memory is set")
	}
	return nil
}

func validateS3(cfg *S3Config) error {
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Region == "" {
		return errors.New("region is required")
	}
	return nil
}
