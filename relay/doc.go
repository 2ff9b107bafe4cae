// Package relay is a client for the Relay messaging system: lightweight
// subject-based publish/subscribe with queue groups and request/reply over
// a single multiplexed connection.
//
// A connection is established with Connect or through an Options chain:
//
//	conn, err := relay.NewOptions().
//		SetServers("relay://localhost:4222").
//		SetName("orders").
//		Connect()
//
// Messages are published to subjects and received either asynchronously
// through callbacks or synchronously with NextMsg:
//
//	sub, err := conn.Subscribe("orders.created", func(msg *relay.Msg) {
//		// ...
//	})
//
//	reply, err := conn.Request("orders.lookup", payload, time.Second)
//
// The connection survives server failures: subscriptions are replayed and
// writes buffered during a reconnect are replayed once a new server
// accepts the handshake.
package relay
