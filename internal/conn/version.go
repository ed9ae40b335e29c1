package conn

// Version is reported to the worker during the MCP handshake.
const Version = "0.3.0"
