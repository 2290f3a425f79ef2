package message

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// Envelope is the outer frame every datagram carries: a Kind tag plus the
// gob-encoded payload for that kind. Decoding the envelope alone (without
// touching Payload) is enough for a role to dispatch on Kind before paying
// for the inner decode.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Encode frames a message of the given kind into a datagram ready to send.
func Encode(kind Kind, payload interface{}) ([]byte, error) {
	var inner bytes.Buffer
	if err := gob.NewEncoder(&inner).Encode(payload); err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", kind)
	}

	var outer bytes.Buffer
	env := Envelope{Kind: kind, Payload: inner.Bytes()}
	if err := gob.NewEncoder(&outer).Encode(env); err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", kind)
	}
	return outer.Bytes(), nil
}

// DecodeEnvelope unwraps the outer frame only; callers then decode Payload
// with the Decode* helper matching Kind.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	return env, nil
}

func decodePayload(payload []byte, v interface{}) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(payload)).Decode(v), "decode payload")
}

func DecodeClientRequest(payload []byte) (ClientRequest, error) {
	var v ClientRequest
	err := decodePayload(payload, &v)
	return v, err
}

func DecodePrepare(payload []byte) (Prepare, error) {
	var v Prepare
	err := decodePayload(payload, &v)
	return v, err
}

func DecodePromise(payload []byte) (Promise, error) {
	var v Promise
	err := decodePayload(payload, &v)
	return v, err
}

func DecodeAccept(payload []byte) (Accept, error) {
	var v Accept
	err := decodePayload(payload, &v)
	return v, err
}

func DecodeAcceptedLearner(payload []byte) (AcceptedLearner, error) {
	var v AcceptedLearner
	err := decodePayload(payload, &v)
	return v, err
}

func DecodeAcceptedProposer(payload []byte) (AcceptedProposer, error) {
	var v AcceptedProposer
	err := decodePayload(payload, &v)
	return v, err
}

func DecodeCatchup(payload []byte) (Catchup, error) {
	var v Catchup
	err := decodePayload(payload, &v)
	return v, err
}

func DecodeCatchupResp(payload []byte) (CatchupResp, error) {
	var v CatchupResp
	err := decodePayload(payload, &v)
	return v, err
}

func DecodeQueryLast(payload []byte) (QueryLast, error) {
	var v QueryLast
	err := decodePayload(payload, &v)
	return v, err
}

func DecodeLastResp(payload []byte) (LastResp, error) {
	var v LastResp
	err := decodePayload(payload, &v)
	return v, err
}
