// Package postgres reads incremental customer keys from the Sumsub callback
// log stored in PostgreSQL.
//
// It uses a single pgx v5 connection (no pool) owned by a [KeyReader] for
// the duration of a connection scope.
//
// # Usage
//
// Create a reader using [New] with functional options and run the read inside
// [KeyReader.WithConnection], which connects on entry and always closes the
// connection on exit:
//
//	reader := postgres.New(
//	    postgres.WithHost("localhost"),
//	    postgres.WithUser("postgres"),
//	    postgres.WithPassword("secret"),
//	    postgres.WithDatabase("lana"),
//	)
//
//	err := reader.WithConnection(ctx, func(ctx context.Context, s postgres.Session) error {
//	    keys, err := s.Keys(ctx, watermark)
//	    if err != nil {
//	        return err
//	    }
//	    for key, err := range keys {
//	        if err != nil {
//	            return err
//	        }
//	        handle(key)
//	    }
//	    return nil
//	})
//
// [KeyReader.Connect] and [KeyReader.Close] are available for callers that
// manage the scope themselves.
//
// # Query
//
// [KeysQuery] selects the distinct customer_id values of callbacks of type
// applicantReviewed or applicantPersonalInfoChanged recorded after the given
// timestamp. Each row is paired with the database clock (now()), evaluated
// once per execution, so all keys of one call share a single recorded_at.
// No ordering is guaranteed.
//
// # Errors
//
// Failures are classified with sentinel errors that can be tested with
// errors.Is: [ErrConnection] for connect failures, [ErrNotConnected] for reads
// outside a connection scope, [ErrSequenceConsumed] for ranging a spent
// sequence twice, and [ErrQuery] for driver failures during the query. The
// reader never retries.
//
// # SSL
//
// SSL behaviour is controlled by [WithSSLMode] using the [SSLMode] constants
// ([SSLModeDisable], [SSLModeAllow], [SSLModePrefer], [SSLModeRequire],
// [SSLModeVerifyCA], [SSLModeVerifyFull]). The default is [SSLModePrefer] and
// the default port is 5432.
package postgres
