package address

// address turns free-form RFC 2822 address lists, as a user would type them
// into a To or Cc header, into the bracketed mailbox form that SMTP commands
// expect. Everything here is a pure function: no I/O, no shared state.
