package health

import "context"

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NetworkPinger is satisfied by *chain.HorizonNetwork.
type NetworkPinger interface {
	Ping(ctx context.Context, passphrase string) error
}

// Database probes the connection pool.
func Database(db Pinger) Checker {
	return db.PingContext
}

// Network probes the ledger gateway and checks it serves passphrase.
func Network(n NetworkPinger, passphrase string) Checker {
	return func(ctx context.Context) error {
		return n.Ping(ctx, passphrase)
	}
}
