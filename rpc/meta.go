package rpc

import "context"

type metaKey struct{}

// ContextWithMeta attaches a key value pair that travels with every request
// made with the returned context. Keys and values must not contain '\n' or
// '\r', calls carrying them fail with ErrSerialization.
func ContextWithMeta(ctx context.Context, key, value string) context.Context {
	old, _ := ctx.Value(metaKey{}).(map[string]string)
	meta := make(map[string]string, len(old)+1)
	for k, v := range old {
		meta[k] = v
	}
	meta[key] = value
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext returns the pairs set by ContextWithMeta. The map must not
// be modified.
func MetaFromContext(ctx context.Context) map[string]string {
	meta, _ := ctx.Value(metaKey{}).(map[string]string)
	return meta
}
