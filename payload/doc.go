package payload

// payload renders a message as the bytes sent after DATA: the header block,
// then either a single text part or a multipart/mixed body with one part per
// attachment. Rendering is a pure function of the message fields, so the
// same fields always produce the same bytes.
