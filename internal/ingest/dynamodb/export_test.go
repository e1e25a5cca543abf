package dynamodb

import "context"

// Client is the DynamoDB API subset used by the table.
type Client = client

// WithClient makes New use c instead of connecting to DynamoDB.
func WithClient(c Client) Options {
	return func(o *options) {
		o.newClient = func(context.Context, Config) (client, error) { return c, nil }
	}
}
