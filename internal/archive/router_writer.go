package archive

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const upsertRouterSQL = `
INSERT INTO routers (router_id, router_ip, as_number, display_name, location, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (router_id) DO UPDATE SET
    router_ip    = COALESCE(EXCLUDED.router_ip, routers.router_ip),
    as_number    = COALESCE(EXCLUDED.as_number, routers.as_number),
    display_name = COALESCE(EXCLUDED.display_name, routers.display_name),
    location     = COALESCE(EXCLUDED.location, routers.location),
    last_seen    = now()`

// UpsertRouter records router identity learned from a BGP OPEN or BMP
// Peer Up, plus the operator-provided name/location from config.Routers.
// COALESCE preserves a previously learned value rather than overwriting
// it with NULL on a reconnect that doesn't repeat it.
func UpsertRouter(ctx context.Context, pool *pgxpool.Pool, routerID, routerIP string, asNumber *int64, displayName, location string) error {
	_, err := pool.Exec(ctx, upsertRouterSQL,
		routerID,
		nilIfEmptyStr(routerIP),
		asNumber,
		nilIfEmptyStr(displayName),
		nilIfEmptyStr(location),
	)
	return err
}

func nilIfEmptyStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
