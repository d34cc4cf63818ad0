// Package objectstore fetches and stores settlement and feedback files by
// (bucket, key).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/govfees/payrecon/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Gateway reads and writes files in the object store.
type Gateway interface {
	Fetch(ctx context.Context, location, name string) ([]byte, error)
	Put(ctx context.Context, location, name string, data []byte) error
}

type minioGateway struct {
	client *minio.Client
	log    *zap.Logger
}

func NewGateway(cfg config.Config, log *zap.Logger) (Gateway, error) {
	client, err := minio.New(cfg.Store.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Store.AccessKey, cfg.Store.SecretKey, ""),
		Secure: cfg.Store.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &minioGateway{client: client, log: log.Named("objectstore")}, nil
}

func (g *minioGateway) Fetch(ctx context.Context, location, name string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, location, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", location, name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", location, name, err)
	}
	return data, nil
}

func (g *minioGateway) Put(ctx context.Context, location, name string, data []byte) error {
	_, err := g.client.PutObject(ctx, location, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", location, name, err)
	}
	return nil
}

// Module wires the object-store gateway.
var Module = fx.Module("objectstore",
	fx.Provide(NewGateway),
)
