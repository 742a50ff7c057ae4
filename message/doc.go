package message

// message holds the structured description of mail items and the ordered
// queue they are transacted from. Defaults are merged and envelope addresses
// derived once, when a message is added; nothing here touches the network.
