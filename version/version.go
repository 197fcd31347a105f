package version

// ProtocolVersion marks the exchange protocol version sent with every run command
// Update this if breaking changes are made to the batch metadata or the command payload
var ProtocolVersion int64 = 20250901

// Version is the semantic version number reflecting the current release.
var Version = "0.4.0"

// MinServerVersion is the oldest server release this client can stream against.
// The server reports its version in the exchange response headers.
var MinServerVersion = "1.2.0"
