package batch

// batch ties the command line tool together: it loads a parsed queue file
// into a message queue, sets up sent copies, sends the queue through one
// relay session and reports each message's outcome.
