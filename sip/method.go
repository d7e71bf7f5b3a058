package sip

import (
	"strconv"

	"github.com/voipkit/siptx/internal/grammar"
	"github.com/voipkit/siptx/internal/util"
)

// RequestMethod represents a SIP request method.
// Methods are case-sensitive on the wire, but compare them with [RequestMethod.Equal].
type RequestMethod string

// Request method constants.
const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

func (m RequestMethod) Equal(other RequestMethod) bool { return util.EqFold(m, other) }

// IsValid reports whether the method is a non-empty RFC 3261 token.
func (m RequestMethod) IsValid() bool { return grammar.IsToken(m) }

// ResponseStatus represents a SIP response status code.
type ResponseStatus uint

// Response status constants used by the transaction layer and its tools.
const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusForbidden                   ResponseStatus = 403
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusMethodNotAllowed            ResponseStatus = 405
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusNotImplemented      ResponseStatus = 501
	ResponseStatusServiceUnavailable  ResponseStatus = 503

	ResponseStatusBusyEverywhere ResponseStatus = 600
	ResponseStatusDecline        ResponseStatus = 603
)

var statusReasons = map[ResponseStatus]string{
	ResponseStatusTrying:                      "Trying",
	ResponseStatusRinging:                     "Ringing",
	ResponseStatusSessionProgress:             "Session Progress",
	ResponseStatusOK:                          "OK",
	ResponseStatusAccepted:                    "Accepted",
	ResponseStatusMovedTemporarily:            "Moved Temporarily",
	ResponseStatusBadRequest:                  "Bad Request",
	ResponseStatusForbidden:                   "Forbidden",
	ResponseStatusNotFound:                    "Not Found",
	ResponseStatusMethodNotAllowed:            "Method Not Allowed",
	ResponseStatusRequestTimeout:              "Request Timeout",
	ResponseStatusTemporarilyUnavailable:      "Temporarily Unavailable",
	ResponseStatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:                    "Busy Here",
	ResponseStatusRequestTerminated:           "Request Terminated",
	ResponseStatusServerInternalError:         "Server Internal Error",
	ResponseStatusNotImplemented:              "Not Implemented",
	ResponseStatusServiceUnavailable:          "Service Unavailable",
	ResponseStatusBusyEverywhere:              "Busy Everywhere",
	ResponseStatusDecline:                     "Decline",
}

// Reason returns the default reason phrase of the status.
func (s ResponseStatus) Reason() string {
	if r, ok := statusReasons[s]; ok {
		return r
	}
	return ""
}

func (s ResponseStatus) String() string { return strconv.FormatUint(uint64(s), 10) }

func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }
