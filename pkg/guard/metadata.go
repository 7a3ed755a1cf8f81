package guard

import "context"

type metadataKey struct{}

// WithMetadata returns a context carrying key=value for error reports.
// Values added later override earlier ones with the same key.
func WithMetadata(ctx context.Context, key, value string) context.Context {
	prev := metadataFrom(ctx)
	md := make(map[string]string, len(prev)+1)
	for k, v := range prev {
		md[k] = v
	}
	md[key] = value
	return context.WithValue(ctx, metadataKey{}, md)
}

func metadataFrom(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	md, _ := ctx.Value(metadataKey{}).(map[string]string)
	return md
}
