package e2e

// e2e contains integration tests that run the whole pipeline the command
// line tool runs: config and queue files on disk, parsing, loading, one
// relay session and the delivery report. Note that some test dependencies
// are also used by unit tests--these dependencies live in smtptest, not
// here.
