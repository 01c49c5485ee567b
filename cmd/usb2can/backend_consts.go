package main

const (
	txQueueSize    = 1024 // capacity of the async TX queue (serial, socketcan)
	rxQueueSize    = 1024 // host frames buffered between RX goroutine and reactor
	eventQueueSize = 256  // client events buffered between TCP server and reactor
)
