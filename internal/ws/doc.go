// Package ws provides the bidirectional WebSocket transport for chat rooms.
//
// The package implements:
//   - Client: one connection, acting as the room's sink and carrying a
//     serialized attachment with the connection's identity
//   - Handler: upgrades requests, joins rooms and runs the read/write pumps
//
// Key behaviour:
//   - History replay: a joining client receives one history envelope before
//     any live message
//   - Hibernation: a room evicted between messages is rehydrated on the next
//     frame and re-adopts the connection from its attachment alone
//   - Backstop pruning: a client whose send buffer fills is closed and
//     removed by the room
package ws
