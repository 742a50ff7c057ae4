package userconfig

// userconfig reads the YAML files a user gives the command line tool: the
// main config (relay, message defaults, debug routing, sent copies) and a
// queue file listing the messages to send.
