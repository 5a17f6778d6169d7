/*
Package models defines the core data structures of the proxy allocator.

Proxy represents one allocatable row of the remote inventory sheet:

	type Proxy struct {
		RowIndex  int       // 1-based sheet row (row 1 is the header)
		Address   string    // IP address
		Port      int       // TCP port
		Username  string    // optional credential
		Password  string    // optional credential
		Scheme    Scheme    // http, https or socks5
		Region    string    // resolved country code
		AddedAt   time.Time // date the row was added
		ExpiresAt time.Time // date the proxy expires
		UsedFor   []string  // purposes it has been allocated for
	}

RowIndex is positional, not durable: it identifies the proxy only within
one cache snapshot. Any code that writes back to the sheet must
re-validate the row against a freshly read snapshot first.

Purposes are free-form tags compared case-insensitively; use
NormalizePurpose at boundaries rather than comparing raw strings.

AllocationEvent is the Postgres audit row written once per taken proxy.

The structures themselves are not thread-safe; the inventory cache hands
out snapshot copies and the allocator never mutates a snapshot in place.
*/
package models
