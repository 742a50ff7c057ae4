package storage

// storage contains the KeyValue interface for working with a persistent key/
// value store, as well as an implementation for BadgerDB. Sent-copy archives
// are kept here. The package only deals in opaque binary data and doesn't
// know what a message is.
