package sentcopy

// sentcopy keeps a copy of every message the relay accepts, either in a
// mailbox on an IMAP server or in a local archive.
