package facade

import (
	"fmt"

	"github.com/twilio/breakout-sdk-go/coapmsg"
	"github.com/twilio/breakout-sdk-go/coappeer"
)

const sdkVersion = "1.0.0"

// hostDeviceInfoFull builds the long host-device-information string, used
// to answer a GET /HostDeviceInformation request directly (spec.md §6):
//
//	"<hostDeviceID>_<purpose>","Twilio_<modemMfgr>","<board>_<modemModel>","twilio-v<sdkVer>_<modemMfgr>-v<modemVer>"
func (f *Facade) hostDeviceInfoFull() string {
	return fmt.Sprintf(`"%s_%s","Twilio_%s","%s_%s","twilio-v%s_%s-v%s"`,
		f.hostDeviceID, f.purpose,
		f.modemMfgr,
		f.board, f.modemModel,
		sdkVersion, f.modemMfgr, f.modemVersion)
}

// hostDeviceInfoShort builds the short form carried on every outbound
// Command/Heartbeats request as the Twilio-Host-Device-Information option
// (spec.md §6): "v<sdkVer>/<hostDeviceIDShort>".
func (f *Facade) hostDeviceInfoShort() string {
	return fmt.Sprintf("v%s/%s", sdkVersion, f.hostDeviceIDShort)
}

// SetHostDeviceIdentity records the identity strings the power-up sequence
// or an embedder discovers (host device ID, board, modem make/model/
// firmware version), used to build both host-device-information forms.
func (f *Facade) SetHostDeviceIdentity(hostDeviceID, hostDeviceIDShort, board, modemMfgr, modemModel, modemVersion string) {
	f.hostDeviceID = hostDeviceID
	f.hostDeviceIDShort = hostDeviceIDShort
	f.board = board
	f.modemMfgr = modemMfgr
	f.modemModel = modemModel
	f.modemVersion = modemVersion
}

// onCoAPRequest is the coappeer.RequestHandler installed on the Peer during
// buildPeer. It answers GET /HostDeviceInformation with a piggybacked
// 2.05 Content ACK and dispatches POST /Commands into
// receivedCommandInternal; anything else gets a bare Reset, grounded on the
// original's handler_CoAPRequest.
func (f *Facade) onCoAPRequest(msg *coapmsg.Message) (*coapmsg.Message, coappeer.FollowUp) {
	path := coapmsg.JoinUriPath(uriPathOf(msg))

	switch msg.Code {
	case coapmsg.GET:
		if path != "/HostDeviceInformation" {
			return nil, coappeer.FollowUpSendRST
		}
		resp := &coapmsg.Message{
			Code:        coapmsg.Content,
			Token:       msg.Token,
			TokenLength: msg.TokenLength,
			Options:     []coapmsg.Option{coapmsg.NewUintOption(coapmsg.OptionContentFormat, coapmsg.ContentFormatTextPlain)},
			Payload:     []byte(f.hostDeviceInfoFull()),
		}
		return resp, coappeer.FollowUpSendACK

	case coapmsg.POST:
		if path != "/Commands" {
			return nil, coappeer.FollowUpSendRST
		}
		isBinary, ok := contentFormatOf(msg)
		if !ok {
			return nil, coappeer.FollowUpSendRST
		}
		f.receivedCommandInternal(msg.Payload, isBinary)
		return nil, coappeer.FollowUpSendACK

	default:
		return nil, coappeer.FollowUpSendRST
	}
}

func uriPathOf(msg *coapmsg.Message) []string {
	var segs []string
	for _, opt := range msg.Options {
		if opt.Number == coapmsg.OptionUriPath {
			segs = append(segs, opt.ValueString)
		}
	}
	return segs
}

// contentFormatOf reports whether msg's Content-Format is one this SDK
// accepts for a Commands POST (text/plain or application/octet-stream), and
// whether it should be treated as binary.
func contentFormatOf(msg *coapmsg.Message) (isBinary bool, ok bool) {
	for _, opt := range msg.Options {
		if opt.Number == coapmsg.OptionContentFormat {
			switch opt.ValueUint {
			case coapmsg.ContentFormatTextPlain:
				return false, true
			case coapmsg.ContentFormatOctets:
				return true, true
			default:
				return false, false
			}
		}
	}
	// No Content-Format option present defaults to text/plain (RFC 7252 §5.10.3).
	return false, true
}
