package s3store

import "context"

// Client is the S3 API subset used by the store.
type Client = client

// WithClient makes New use c instead of connecting to S3.
func WithClient(c Client) Options {
	return func(o *options) {
		o.newClient = func(context.Context, Config) (client, error) { return c, nil }
	}
}
