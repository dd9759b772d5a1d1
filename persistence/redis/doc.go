// Package redis provides Redis-based implementations of the rollover bot's
// persistence interfaces, so that a restarted bot knows which rounds it
// already handled and which transactions it left in flight.
//
//   - ActionStore implements rolloverbot.ActionStore
//   - IdempotencyStore implements idempotency.Store
//
// # Basic Usage
//
//	opts, err := redis.ParseURL(os.Getenv("REDIS_URL"))
//	if err != nil {
//	    return err
//	}
//	client := redis.NewClient(opts)
//
//	actions := redisstore.NewActionStore(client)
//	rounds := redisstore.NewIdempotencyStore(client, redisstore.WithIdempotencyStoreTTL(7*24*time.Hour))
//
//	submitter, _ := rolloverbot.NewSubmitter(gateway, state, rolloverbot.WithActionStore(actions))
//	scheduler, _ := rolloverbot.NewScheduler(gateway, submitter, swapper, contracts, state,
//	    rolloverbot.WithIdempotencyStore(rounds),
//	)
//
// # Several Bots, One Redis
//
// Give each bot its own key prefix:
//
//	actions := redisstore.NewActionStore(client, redisstore.WithActionStoreKeyPrefix("position-3"))
//	rounds := redisstore.NewIdempotencyStore(client, redisstore.WithIdempotencyStoreKeyPrefix("position-3"))
//
// # Redis Key Structure
//
// ActionStore:
//
//   - rolloverbot:action:{hash} - action data (JSON, tx as RLP, receipt as JSON)
//   - rolloverbot:action:pending - sorted set of non-final hashes by submission time
//   - rolloverbot:action:position:{position} - set of hashes per position
//   - rolloverbot:action:timestamp - sorted set of all hashes by last update
//
// IdempotencyStore:
//
//   - rolloverbot:round:{roundKey} - record data (JSON, optional TTL)
//
// Writes that read before they write use WATCH/MULTI/EXEC and retry with
// backoff when the watched key changes underneath them. A final action status
// (mined, reverted, dropped) is never downgraded.
//
// # Cleanup
//
// Final actions are kept until removed:
//
//	deleted, err := actions.DeleteOlderThan(ctx, 7*24*time.Hour)
//
// All stores accept any redis.UniversalClient, so standalone, Sentinel and
// Cluster deployments work alike.
package redis
