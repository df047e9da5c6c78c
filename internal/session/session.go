// Package session keeps a Redis record of every live connection: which
// server instance holds it and which identity, if any, it is bound to. The
// record is bookkeeping for operators and other instances; presence itself
// is owned by the in-process registry.
package session
