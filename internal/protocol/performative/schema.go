package performative

import (
	"fmt"

	"github.com/danmuck/amqpwire/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Field IDs for performative bodies.
const (
	FieldRemoteChannel  uint16 = 1
	FieldNextOutgoingID uint16 = 2
	FieldIncomingWindow uint16 = 3
	FieldOutgoingWindow uint16 = 4
	FieldHandleMax      uint16 = 5

	FieldName                 uint16 = 10
	FieldHandle               uint16 = 11
	FieldRole                 uint16 = 12
	FieldSndSettleMode        uint16 = 13
	FieldRcvSettleMode        uint16 = 14
	FieldSource               uint16 = 15
	FieldTarget               uint16 = 16
	FieldInitialDeliveryCount uint16 = 17

	FieldNextIncomingID uint16 = 20
	FieldDeliveryCount  uint16 = 21
	FieldLinkCredit     uint16 = 22
	FieldAvailable      uint16 = 23
	FieldDrain          uint16 = 24
	FieldEcho           uint16 = 25

	FieldDeliveryID    uint16 = 30
	FieldDeliveryTag   uint16 = 31
	FieldMessageFormat uint16 = 32
	FieldSettled       uint16 = 33
	FieldMore          uint16 = 34
	FieldPayload       uint16 = 35

	FieldFirst              uint16 = 40
	FieldLast               uint16 = 41
	FieldOutcomeKind        uint16 = 42
	FieldOutcomeCondition   uint16 = 43
	FieldOutcomeDescription uint16 = 44
	FieldDeliveryFailed     uint16 = 45
	FieldUndeliverableHere  uint16 = 46
	FieldBatchable          uint16 = 47

	FieldClosed           uint16 = 50
	FieldErrorCondition   uint16 = 51
	FieldErrorDescription uint16 = 52
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Code    Code
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("performative: %s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("performative: %s field=%d: %s", e.Code, e.FieldID, e.Reason)
}

var requirements = map[Code][]Requirement{
	CodeBegin: {
		{FieldNextOutgoingID, tlv.TypeU64},
		{FieldIncomingWindow, tlv.TypeU32},
		{FieldOutgoingWindow, tlv.TypeU32},
	},
	CodeAttach: {
		{FieldName, tlv.TypeString},
		{FieldHandle, tlv.TypeU32},
		{FieldRole, tlv.TypeBool},
	},
	CodeFlow: {
		{FieldIncomingWindow, tlv.TypeU32},
		{FieldNextOutgoingID, tlv.TypeU64},
		{FieldOutgoingWindow, tlv.TypeU32},
	},
	CodeTransfer: {
		{FieldHandle, tlv.TypeU32},
		{FieldDeliveryID, tlv.TypeU64},
		{FieldDeliveryTag, tlv.TypeBytes},
	},
	CodeDisposition: {
		{FieldRole, tlv.TypeBool},
		{FieldFirst, tlv.TypeU64},
	},
	CodeDetach: {
		{FieldHandle, tlv.TypeU32},
	},
	CodeEnd: {},
}

// Validate enforces required fields and required field types for a performative.
// Unknown fields are ignored.
func Validate(code Code, fields []tlv.Field) error {
	reqs, ok := requirements[code]
	if !ok {
		log.Error().Msgf("performative.Validate unknown code=%s", code)
		return ValidationError{Code: code, Reason: "unknown performative"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf("performative.Validate missing field code=%s field_id=%d", code, req.ID)
			return ValidationError{Code: code, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"performative.Validate type mismatch code=%s field_id=%d got=%d want=%d",
				code,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{Code: code, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
