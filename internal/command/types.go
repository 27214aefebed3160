// Package command defines the message types and codecs of the client↔driver
// control protocol carried over the command ring and broadcast buffers.
package command

// Command type ids, client to driver.
const (
	AddPublication          = int32(0x01)
	RemovePublication       = int32(0x02)
	AddExclusivePublication = int32(0x03)
	AddSubscription         = int32(0x04)
	RemoveSubscription      = int32(0x05)
	ClientKeepalive         = int32(0x06)
	AddDestination          = int32(0x07)
	RemoveDestination       = int32(0x08)
	AddCounter              = int32(0x09)
	RemoveCounter           = int32(0x0A)
	ClientClose             = int32(0x0B)
	TerminateDriver         = int32(0x0E)
)

// Response type ids, driver to clients.
const (
	OnError                     = int32(0x0F01)
	OnAvailableImage            = int32(0x0F02)
	OnPublicationReady          = int32(0x0F03)
	OnOperationSuccess          = int32(0x0F04)
	OnUnavailableImage          = int32(0x0F05)
	OnExclusivePublicationReady = int32(0x0F06)
	OnSubscriptionReady         = int32(0x0F07)
	OnCounterReady              = int32(0x0F08)
	OnUnavailableCounter        = int32(0x0F09)
	OnClientTimeout             = int32(0x0F0A)
)

// Error codes carried by OnError responses.
const (
	ErrCodeGeneric               = int32(0)
	ErrCodeInvalidChannel        = int32(1)
	ErrCodeUnknownSubscription   = int32(2)
	ErrCodeUnknownPublication    = int32(3)
	ErrCodeChannelEndpoint       = int32(4)
	ErrCodeUnknownCounter        = int32(5)
	ErrCodeUnknownCommand        = int32(6)
	ErrCodeMalformedCommand      = int32(7)
	ErrCodeNotSupported          = int32(8)
	ErrCodeUnknownHost           = int32(9)
	ErrCodeResourceExhausted     = int32(10)
	ErrCodeTerminationValidation = int32(11)
)
