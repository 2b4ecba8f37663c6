// Package performative encodes the control frames exchanged on a session:
// begin, attach, flow, transfer, disposition, detach and end. A body is one
// code byte followed by tlv fields.
package performative

import (
	"errors"
	"fmt"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/protocol/tlv"
)

// Code is the performative descriptor.
type Code uint8

const (
	CodeBegin       Code = 0x11
	CodeAttach      Code = 0x12
	CodeFlow        Code = 0x13
	CodeTransfer    Code = 0x14
	CodeDisposition Code = 0x15
	CodeDetach      Code = 0x16
	CodeEnd         Code = 0x17
)

func (c Code) String() string {
	switch c {
	case CodeBegin:
		return "begin"
	case CodeAttach:
		return "attach"
	case CodeFlow:
		return "flow"
	case CodeTransfer:
		return "transfer"
	case CodeDisposition:
		return "disposition"
	case CodeDetach:
		return "detach"
	case CodeEnd:
		return "end"
	default:
		return fmt.Sprintf("code(0x%02x)", uint8(c))
	}
}

var ErrEmptyBody = errors.New("performative: empty body")

// Performative is one decoded control frame body.
type Performative interface {
	Code() Code
	fields() []tlv.Field
}

// Error is the condition carried by detach and end.
type Error struct {
	Condition   string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Condition
	}
	return e.Condition + ": " + e.Description
}

// Error conditions used by the engine.
const (
	CondInternalError       = "amqp:internal-error"
	CondNotAllowed          = "amqp:not-allowed"
	CondWindowViolation     = "amqp:session:window-violation"
	CondUnattachedHandle    = "amqp:session:unattached-handle"
	CondTransferLimitExceed = "amqp:link:transfer-limit-exceeded"
	CondDetachForced        = "amqp:link:detach-forced"
	CondInvalidField        = "amqp:invalid-field"
)

type Begin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint64
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
}

type Attach struct {
	Name                 string
	Handle               uint32
	Role                 amqp.Role
	SndSettleMode        amqp.SndSettleMode
	RcvSettleMode        amqp.RcvSettleMode
	Source               string
	Target               string
	InitialDeliveryCount uint32
}

type Flow struct {
	NextIncomingID *uint64
	IncomingWindow uint32
	NextOutgoingID uint64
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  uint32
	LinkCredit     uint32
	Available      uint32
	Drain          bool
	Echo           bool
}

type Transfer struct {
	Handle        uint32
	DeliveryID    uint64
	DeliveryTag   []byte
	MessageFormat uint32
	Settled       bool
	More          bool
	Payload       []byte
}

type Disposition struct {
	Role      amqp.Role
	First     uint64
	Last      uint64
	Settled   bool
	State     *amqp.Outcome
	Batchable bool
}

type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

type End struct {
	Error *Error
}

func (*Begin) Code() Code       { return CodeBegin }
func (*Attach) Code() Code      { return CodeAttach }
func (*Flow) Code() Code        { return CodeFlow }
func (*Transfer) Code() Code    { return CodeTransfer }
func (*Disposition) Code() Code { return CodeDisposition }
func (*Detach) Code() Code      { return CodeDetach }
func (*End) Code() Code         { return CodeEnd }

func (b *Begin) fields() []tlv.Field {
	out := []tlv.Field{
		tlv.U64(FieldNextOutgoingID, b.NextOutgoingID),
		tlv.U32(FieldIncomingWindow, b.IncomingWindow),
		tlv.U32(FieldOutgoingWindow, b.OutgoingWindow),
		tlv.U32(FieldHandleMax, b.HandleMax),
	}
	if b.RemoteChannel != nil {
		out = append(out, tlv.U16(FieldRemoteChannel, *b.RemoteChannel))
	}
	return out
}

func (a *Attach) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldName, a.Name),
		tlv.U32(FieldHandle, a.Handle),
		tlv.Bool(FieldRole, bool(a.Role)),
		tlv.U8(FieldSndSettleMode, uint8(a.SndSettleMode)),
		tlv.U8(FieldRcvSettleMode, uint8(a.RcvSettleMode)),
		tlv.String(FieldSource, a.Source),
		tlv.String(FieldTarget, a.Target),
		tlv.U32(FieldInitialDeliveryCount, a.InitialDeliveryCount),
	}
}

func (f *Flow) fields() []tlv.Field {
	out := []tlv.Field{
		tlv.U32(FieldIncomingWindow, f.IncomingWindow),
		tlv.U64(FieldNextOutgoingID, f.NextOutgoingID),
		tlv.U32(FieldOutgoingWindow, f.OutgoingWindow),
		tlv.Bool(FieldEcho, f.Echo),
	}
	if f.NextIncomingID != nil {
		out = append(out, tlv.U64(FieldNextIncomingID, *f.NextIncomingID))
	}
	if f.Handle != nil {
		out = append(out,
			tlv.U32(FieldHandle, *f.Handle),
			tlv.U32(FieldDeliveryCount, f.DeliveryCount),
			tlv.U32(FieldLinkCredit, f.LinkCredit),
			tlv.U32(FieldAvailable, f.Available),
			tlv.Bool(FieldDrain, f.Drain),
		)
	}
	return out
}

func (t *Transfer) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(FieldHandle, t.Handle),
		tlv.U64(FieldDeliveryID, t.DeliveryID),
		tlv.Bytes(FieldDeliveryTag, t.DeliveryTag),
		tlv.U32(FieldMessageFormat, t.MessageFormat),
		tlv.Bool(FieldSettled, t.Settled),
		tlv.Bool(FieldMore, t.More),
		tlv.Bytes(FieldPayload, t.Payload),
	}
}

func (d *Disposition) fields() []tlv.Field {
	out := []tlv.Field{
		tlv.Bool(FieldRole, bool(d.Role)),
		tlv.U64(FieldFirst, d.First),
		tlv.U64(FieldLast, d.Last),
		tlv.Bool(FieldSettled, d.Settled),
		tlv.Bool(FieldBatchable, d.Batchable),
	}
	if d.State != nil {
		out = append(out,
			tlv.U8(FieldOutcomeKind, uint8(d.State.Kind)),
			tlv.String(FieldOutcomeCondition, d.State.Condition),
			tlv.String(FieldOutcomeDescription, d.State.Description),
			tlv.Bool(FieldDeliveryFailed, d.State.DeliveryFailed),
			tlv.Bool(FieldUndeliverableHere, d.State.UndeliverableHere),
		)
	}
	return out
}

func (d *Detach) fields() []tlv.Field {
	return append([]tlv.Field{
		tlv.U32(FieldHandle, d.Handle),
		tlv.Bool(FieldClosed, d.Closed),
	}, errorFields(d.Error)...)
}

func (e *End) fields() []tlv.Field {
	return errorFields(e.Error)
}

func errorFields(e *Error) []tlv.Field {
	if e == nil {
		return nil
	}
	return []tlv.Field{
		tlv.String(FieldErrorCondition, e.Condition),
		tlv.String(FieldErrorDescription, e.Description),
	}
}

// Marshal encodes p as a frame body.
func Marshal(p Performative) ([]byte, error) {
	fields := p.fields()
	if err := Validate(p.Code(), fields); err != nil {
		return nil, err
	}
	return tlv.AppendFields([]byte{byte(p.Code())}, fields), nil
}

// Unmarshal decodes one frame body.
func Unmarshal(body []byte) (Performative, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	code := Code(body[0])
	fields, err := tlv.DecodeFields(body[1:])
	if err != nil {
		return nil, fmt.Errorf("performative: %s: %w", code, err)
	}
	if err := Validate(code, fields); err != nil {
		return nil, err
	}
	r := reader{fields: fields}
	var p Performative
	switch code {
	case CodeBegin:
		b := &Begin{
			NextOutgoingID: r.u64(FieldNextOutgoingID),
			IncomingWindow: r.u32(FieldIncomingWindow),
			OutgoingWindow: r.u32(FieldOutgoingWindow),
			HandleMax:      r.u32(FieldHandleMax),
		}
		if r.has(FieldRemoteChannel) {
			ch := r.u16(FieldRemoteChannel)
			b.RemoteChannel = &ch
		}
		p = b
	case CodeAttach:
		p = &Attach{
			Name:                 r.str(FieldName),
			Handle:               r.u32(FieldHandle),
			Role:                 amqp.Role(r.boolean(FieldRole)),
			SndSettleMode:        amqp.SndSettleMode(r.u8(FieldSndSettleMode)),
			RcvSettleMode:        amqp.RcvSettleMode(r.u8(FieldRcvSettleMode)),
			Source:               r.str(FieldSource),
			Target:               r.str(FieldTarget),
			InitialDeliveryCount: r.u32(FieldInitialDeliveryCount),
		}
	case CodeFlow:
		f := &Flow{
			IncomingWindow: r.u32(FieldIncomingWindow),
			NextOutgoingID: r.u64(FieldNextOutgoingID),
			OutgoingWindow: r.u32(FieldOutgoingWindow),
			Echo:           r.boolean(FieldEcho),
		}
		if r.has(FieldNextIncomingID) {
			id := r.u64(FieldNextIncomingID)
			f.NextIncomingID = &id
		}
		if r.has(FieldHandle) {
			h := r.u32(FieldHandle)
			f.Handle = &h
			f.DeliveryCount = r.u32(FieldDeliveryCount)
			f.LinkCredit = r.u32(FieldLinkCredit)
			f.Available = r.u32(FieldAvailable)
			f.Drain = r.boolean(FieldDrain)
		}
		p = f
	case CodeTransfer:
		p = &Transfer{
			Handle:        r.u32(FieldHandle),
			DeliveryID:    r.u64(FieldDeliveryID),
			DeliveryTag:   r.bytes(FieldDeliveryTag),
			MessageFormat: r.u32(FieldMessageFormat),
			Settled:       r.boolean(FieldSettled),
			More:          r.boolean(FieldMore),
			Payload:       r.bytes(FieldPayload),
		}
	case CodeDisposition:
		d := &Disposition{
			Role:      amqp.Role(r.boolean(FieldRole)),
			First:     r.u64(FieldFirst),
			Settled:   r.boolean(FieldSettled),
			Batchable: r.boolean(FieldBatchable),
		}
		d.Last = d.First
		if r.has(FieldLast) {
			d.Last = r.u64(FieldLast)
		}
		if r.has(FieldOutcomeKind) {
			d.State = &amqp.Outcome{
				Kind:              amqp.OutcomeKind(r.u8(FieldOutcomeKind)),
				Condition:         r.str(FieldOutcomeCondition),
				Description:       r.str(FieldOutcomeDescription),
				DeliveryFailed:    r.boolean(FieldDeliveryFailed),
				UndeliverableHere: r.boolean(FieldUndeliverableHere),
			}
		}
		p = d
	case CodeDetach:
		p = &Detach{
			Handle: r.u32(FieldHandle),
			Closed: r.boolean(FieldClosed),
			Error:  r.condition(),
		}
	case CodeEnd:
		p = &End{Error: r.condition()}
	}
	if r.err != nil {
		return nil, fmt.Errorf("performative: %s: %w", code, r.err)
	}
	return p, nil
}

// reader extracts optional typed fields, keeping the first error.
type reader struct {
	fields []tlv.Field
	err    error
}

func (r *reader) has(id uint16) bool {
	_, ok := tlv.GetField(r.fields, id)
	return ok
}

func (r *reader) get(id uint16) (tlv.Field, bool) {
	if r.err != nil {
		return tlv.Field{}, false
	}
	return tlv.GetField(r.fields, id)
}

func (r *reader) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) u8(id uint16) uint8 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsU8()
	r.keep(err)
	return v
}

func (r *reader) u16(id uint16) uint16 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsU16()
	r.keep(err)
	return v
}

func (r *reader) u32(id uint16) uint32 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	r.keep(err)
	return v
}

func (r *reader) u64(id uint16) uint64 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	r.keep(err)
	return v
}

func (r *reader) boolean(id uint16) bool {
	f, ok := r.get(id)
	if !ok {
		return false
	}
	v, err := f.AsBool()
	r.keep(err)
	return v
}

func (r *reader) str(id uint16) string {
	f, ok := r.get(id)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	r.keep(err)
	return v
}

func (r *reader) bytes(id uint16) []byte {
	f, ok := r.get(id)
	if !ok {
		return nil
	}
	r.keep(tlv.MustType(f, tlv.TypeBytes))
	return f.Value
}

func (r *reader) condition() *Error {
	if !r.has(FieldErrorCondition) {
		return nil
	}
	return &Error{Condition: r.str(FieldErrorCondition), Description: r.str(FieldErrorDescription)}
}
