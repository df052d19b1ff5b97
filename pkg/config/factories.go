package config

import (
	"context"
	"fmt"

	"github.com/arborfs/arbor/pkg/gc"
	"github.com/arborfs/arbor/pkg/store/blob"
	blobbadger "github.com/arborfs/arbor/pkg/store/blob/badger"
	blobmemory "github.com/arborfs/arbor/pkg/store/blob/memory"
	blobs3 "github.com/arborfs/arbor/pkg/store/blob/s3"
	"github.com/arborfs/arbor/pkg/store/node"
	nodebadger "github.com/arborfs/arbor/pkg/store/node/badger"
	nodememory "github.com/arborfs/arbor/pkg/store/node/memory"
	"github.com/arborfs/arbor/pkg/tree"
)

// CreateNodeStore builds the configured node document store.
func CreateNodeStore(cfg *NodeStoreConfig) (node.Store, error) {
	switch cfg.Type {
	case "memory":
		return nodememory.NewStore(), nil
	case "badger":
		store, err := nodebadger.Open(nodebadger.Options{
			Path:     cfg.Badger.Path,
			InMemory: cfg.Badger.InMemory,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger node store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown node store type %q", cfg.Type)
	}
}

// CreateBlobStore builds the configured blob store out of its index and
// payload backends.
func CreateBlobStore(ctx context.Context, cfg *BlobStoreConfig) (*blob.Store, error) {
	var index blob.Index
	switch cfg.Index.Type {
	case "memory":
		index = blobmemory.NewIndex()
	case "badger":
		idx, err := blobbadger.Open(blobbadger.Options{
			Path:     cfg.Index.Badger.Path,
			InMemory: cfg.Index.Badger.InMemory,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger blob index: %w", err)
		}
		index = idx
	default:
		return nil, fmt.Errorf("unknown blob index type %q", cfg.Index.Type)
	}

	var payloads blob.Payloads
	switch cfg.Payloads.Type {
	case "memory":
		payloads = blobmemory.NewPayloads()
	case "s3":
		p, err := blobs3.New(ctx, blobs3.Config{
			Bucket:          cfg.Payloads.S3.Bucket,
			KeyPrefix:       cfg.Payloads.S3.KeyPrefix,
			Region:          cfg.Payloads.S3.Region,
			Endpoint:        cfg.Payloads.S3.Endpoint,
			AccessKeyID:     cfg.Payloads.S3.AccessKeyID,
			SecretAccessKey: cfg.Payloads.S3.SecretAccessKey,
			UsePathStyle:    cfg.Payloads.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("connect s3 payload store: %w", err)
		}
		payloads = p
	default:
		return nil, fmt.Errorf("unknown payload store type %q", cfg.Payloads.Type)
	}

	return blob.NewStore(index, payloads), nil
}

// System bundles the engine with its stores and collector, built from one
// configuration.
type System struct {
	Tree      *tree.Filesystem
	Nodes     node.Store
	Blobs     *blob.Store
	Collector *gc.Collector
}

// Build wires the whole system: stores, engine and garbage collector. The
// collector is constructed but not started.
func Build(ctx context.Context, cfg *Config) (*System, error) {
	nodes, err := CreateNodeStore(&cfg.Store.Nodes)
	if err != nil {
		return nil, err
	}
	blobs, err := CreateBlobStore(ctx, &cfg.Store.Blobs)
	if err != nil {
		_ = nodes.Close()
		return nil, err
	}

	fs := tree.New(tree.Options{
		Nodes: nodes,
		Blobs: blobs,
		Limits: tree.Limits{
			HistoryMax:    cfg.Engine.HistoryMax,
			MaxUploadSize: cfg.Engine.MaxUploadSize,
			PageSize:      cfg.Engine.PageSize,
		},
	})

	collector := gc.NewCollector(fs, nodes, blobs, gc.Config{
		Enabled:  cfg.GC.Enabled,
		Interval: cfg.GC.Interval,
		DryRun:   cfg.GC.DryRun,
	})

	return &System{Tree: fs, Nodes: nodes, Blobs: blobs, Collector: collector}, nil
}

// Close releases the system's store resources.
func (s *System) Close() error {
	err := s.Nodes.Close()
	if berr := s.Blobs.Close(); err == nil {
		err = berr
	}
	return err
}
