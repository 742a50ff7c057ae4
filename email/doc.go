package email

// email is responsible for sending a queue of messages to an SMTP relay over
// a single connection: connecting, negotiating STARTTLS and authentication
// once, then running one MAIL/RCPT/DATA transaction per message. A failed
// transaction is recorded on its message and the rest of the queue still
// goes out. It does not decide what a message says; see the message and
// payload packages for that.
