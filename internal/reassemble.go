package internal

import (
	"context"
	"strings"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// ReassembleBody is a helper that wraps ReassembleSession and returns the
// reassembled body and error.
func ReassembleBody(ctx context.Context, client *spanner.Client, id string) (string, error) {
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go ReassembleSession(ctx, client, id, resultCh, errCh)
	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return "", err
	}
}

// ReassembleSession stitches the saved body fragments of one captured
// session back together in index order.
func ReassembleSession(ctx context.Context, client *spanner.Client, id string, resultCh chan<- string, errCh chan<- error) {
	stmt := spanner.Statement{
		SQL:    `SELECT idx, http_resp_body FROM http_events WHERE id=@id ORDER BY idx ASC`,
		Params: map[string]interface{}{"id": id},
	}
	iter := client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var reassembled strings.Builder
	for {
		row, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			errCh <- err
			return
		}
		var idx int64
		var body string
		if err := row.Columns(&idx, &body); err != nil {
			errCh <- err
			return
		}
		reassembled.WriteString(body)
	}
	resultCh <- reassembled.String()
}
