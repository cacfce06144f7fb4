package provider

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/Senneseph/edge-hive/model"
	"github.com/Senneseph/edge-hive/sdk"
)

// openDriver connects the backend a descriptor names. The returned driver
// is handed to exactly one actor, which owns it until stop.
func openDriver(ctx context.Context, d *model.ProviderDescriptor, clock clockwork.Clock) (*driver, error) {
	switch d.Kind {
	case sdk.KindDatabase:
		switch d.Subtype {
		case "postgres":
			return openPostgres(ctx, d.Config)
		}
	case sdk.KindCache:
		switch d.Subtype {
		case "redis":
			return openRedis(ctx, d.Config)
		case "memory":
			cache := newMemoryCache(clock)
			return &driver{
				client: cache,
				ping:   func(context.Context) error { return nil },
				close:  func() {},
			}, nil
		}
	case sdk.KindStorage:
		switch d.Subtype {
		case "s3", "minio":
			return openS3(ctx, d.Config)
		}
	case sdk.KindEmail:
		switch d.Subtype {
		case "smtp":
			return openSMTP(ctx, d.Config)
		}
	case sdk.KindFileTransfer:
		switch d.Subtype {
		case "sftp":
			return openSFTP(ctx, d.Config)
		}
	default:
		return nil, sdk.NewBadRequestError("unknown provider kind " + string(d.Kind))
	}
	return nil, sdk.NewBadRequestError(
		fmt.Sprintf("unknown subtype %q for provider kind %s", d.Subtype, d.Kind))
}
