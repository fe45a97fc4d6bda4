// Package client implements the TCS commands on top of the connection registry and a
// client transport.
//
// Every command follows the same pattern:
//
//  1. Look up and lock the connection entry of the client handle.
//  2. Reset the entry's communication buffer and set the opcode.
//  3. Append the in parameters in positional order, the remote context handle first.
//     A parameter that cannot be encoded fails the call before anything is sent.
//  4. Exchange the packet, opening the socket for OpenContext and reusing it otherwise.
//  5. Hand a non-success result code of the daemon through unchanged.
//  6. Extract the out parameters in order; variable length data is preceded by its length.
//  7. Release the entry.
//
// Outputs are only returned if the whole call succeeded. A failed OpenContext removes
// its entry again, failures of later calls leave the context open.
//
// Usage Example:
//
//	config := common.DefaultClientConfig()
//	reg := registry.NewRegistry(config)
//	defer reg.Shutdown()
//
//	c := client.NewClient(reg, tcp.NewTCPClientTransport(config))
//	handle := reg.NextHandle()
//	if _, _, err := c.OpenContext(handle, "localhost"); err != nil {
//		return err
//	}
//	defer c.CloseContext(handle)
//
//	random, err := c.GetRandom(handle, 32)
//
// Thread Safety:
//
//	A Client can be shared between goroutines. Calls on the same handle are
//	serialized by the entry lock, calls on different handles run in parallel.
package client
