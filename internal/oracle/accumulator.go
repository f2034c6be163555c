package oracle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	accumulatorMagic   = "PNAU"
	merklePayloadMagic = "AUWV"

	updateTypeWormholeMerkle = 0
	priceFeedMessageType     = 0
	priceFeedMessageSize     = 1 + 32 + 8 + 8 + 4 + 8 + 8 + 8 + 8

	vaaSignatureSize = 66
	merkleHashSize   = 20

	// DefaultMaxSignatures keeps a posted VAA small enough for a single
	// transaction; the receiver program needs a quorum, not every signature.
	DefaultMaxSignatures = 5

	merkleLeafPrefix = 0
	merkleNodePrefix = 1
)

var errShortBuffer = errors.New("unexpected end of data")

type MerkleHash [merkleHashSize]byte

// AccumulatorUpdate is a decoded Hermes binary blob: one guardian-signed VAA
// carrying a merkle root plus the messages proven against it.
type AccumulatorUpdate struct {
	MajorVersion   uint8
	MinorVersion   uint8
	TrailingHeader []byte
	VAA            []byte
	Updates        []MerkleUpdate
}

type MerkleUpdate struct {
	Message []byte
	Proof   []MerkleHash
}

type VAA struct {
	Version          uint8
	GuardianSetIndex uint32
	Signatures       [][vaaSignatureSize]byte
	Timestamp        uint32
	Nonce            uint32
	EmitterChain     uint16
	EmitterAddress   [32]byte
	Sequence         uint64
	ConsistencyLevel uint8
	Payload          []byte

	bodyOffset int
	raw        []byte
}

// MerkleRoot is the payload of an accumulator VAA.
type MerkleRoot struct {
	Slot     uint64
	RingSize uint32
	Root     MerkleHash
}

// PriceFeedMessage is a single Pyth price message; all fields big-endian on the wire.
type PriceFeedMessage struct {
	FeedID          [32]byte
	Price           int64
	Conf            uint64
	Expo            int32
	PublishTime     int64
	PrevPublishTime int64
	EMAPrice        int64
	EMAConf         uint64
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w at offset %d (need %d bytes)", errShortBuffer, r.off, n)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func ParseAccumulatorUpdate(data []byte) (*AccumulatorUpdate, error) {
	r := &reader{buf: data}
	magic, err := r.take(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != accumulatorMagic {
		return nil, fmt.Errorf("bad accumulator magic %x", magic)
	}

	out := &AccumulatorUpdate{}
	if out.MajorVersion, err = r.u8(); err != nil {
		return nil, err
	}
	if out.MinorVersion, err = r.u8(); err != nil {
		return nil, err
	}
	trailingLen, err := r.u8()
	if err != nil {
		return nil, err
	}
	if out.TrailingHeader, err = r.take(int(trailingLen)); err != nil {
		return nil, err
	}

	updateType, err := r.u8()
	if err != nil {
		return nil, err
	}
	if updateType != updateTypeWormholeMerkle {
		return nil, fmt.Errorf("unsupported accumulator update type %d", updateType)
	}

	vaaLen, err := r.u16()
	if err != nil {
		return nil, err
	}
	if out.VAA, err = r.take(int(vaaLen)); err != nil {
		return nil, err
	}

	numUpdates, err := r.u8()
	if err != nil {
		return nil, err
	}
	out.Updates = make([]MerkleUpdate, 0, numUpdates)
	for i := 0; i < int(numUpdates); i++ {
		msgLen, err := r.u16()
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		msg, err := r.take(int(msgLen))
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		numProofs, err := r.u8()
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		proof := make([]MerkleHash, numProofs)
		for j := range proof {
			node, err := r.take(merkleHashSize)
			if err != nil {
				return nil, fmt.Errorf("update %d proof %d: %w", i, j, err)
			}
			copy(proof[j][:], node)
		}
		out.Updates = append(out.Updates, MerkleUpdate{Message: msg, Proof: proof})
	}
	return out, nil
}

func ParseVAA(data []byte) (*VAA, error) {
	r := &reader{buf: data}
	out := &VAA{raw: data}
	var err error
	if out.Version, err = r.u8(); err != nil {
		return nil, err
	}
	if out.GuardianSetIndex, err = r.u32(); err != nil {
		return nil, err
	}
	numSigs, err := r.u8()
	if err != nil {
		return nil, err
	}
	out.Signatures = make([][vaaSignatureSize]byte, numSigs)
	for i := range out.Signatures {
		sig, err := r.take(vaaSignatureSize)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		copy(out.Signatures[i][:], sig)
	}

	out.bodyOffset = r.off
	if out.Timestamp, err = r.u32(); err != nil {
		return nil, err
	}
	if out.Nonce, err = r.u32(); err != nil {
		return nil, err
	}
	if out.EmitterChain, err = r.u16(); err != nil {
		return nil, err
	}
	emitter, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(out.EmitterAddress[:], emitter)
	if out.Sequence, err = r.u64(); err != nil {
		return nil, err
	}
	if out.ConsistencyLevel, err = r.u8(); err != nil {
		return nil, err
	}
	out.Payload = r.buf[r.off:]
	return out, nil
}

// Body returns the signed portion of the VAA.
func (v *VAA) Body() []byte {
	return v.raw[v.bodyOffset:]
}

// TrimSignatures re-encodes vaa keeping only its first n guardian signatures.
func TrimSignatures(vaa []byte, n int) ([]byte, error) {
	parsed, err := ParseVAA(vaa)
	if err != nil {
		return nil, fmt.Errorf("parse vaa: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("invalid signature count %d", n)
	}
	if n >= len(parsed.Signatures) {
		return vaa, nil
	}

	body := parsed.Body()
	out := make([]byte, 0, 6+n*vaaSignatureSize+len(body))
	out = append(out, parsed.Version)
	out = binary.BigEndian.AppendUint32(out, parsed.GuardianSetIndex)
	out = append(out, byte(n))
	for i := 0; i < n; i++ {
		out = append(out, parsed.Signatures[i][:]...)
	}
	out = append(out, body...)
	return out, nil
}

func ParseMerkleRoot(payload []byte) (*MerkleRoot, error) {
	r := &reader{buf: payload}
	magic, err := r.take(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != merklePayloadMagic {
		return nil, fmt.Errorf("bad merkle payload magic %x", magic)
	}
	updateType, err := r.u8()
	if err != nil {
		return nil, err
	}
	if updateType != updateTypeWormholeMerkle {
		return nil, fmt.Errorf("unsupported merkle payload type %d", updateType)
	}
	out := &MerkleRoot{}
	if out.Slot, err = r.u64(); err != nil {
		return nil, err
	}
	if out.RingSize, err = r.u32(); err != nil {
		return nil, err
	}
	root, err := r.take(merkleHashSize)
	if err != nil {
		return nil, err
	}
	copy(out.Root[:], root)
	return out, nil
}

// VerifyMerkleProof recomputes the path from message to root using
// truncated keccak256 with leaf/node domain prefixes and sorted siblings.
func VerifyMerkleProof(message []byte, proof []MerkleHash, root MerkleHash) bool {
	current := merkleLeaf(message)
	for _, sibling := range proof {
		current = merkleNode(current, sibling)
	}
	return current == root
}

func merkleLeaf(message []byte) MerkleHash {
	var out MerkleHash
	copy(out[:], crypto.Keccak256([]byte{merkleLeafPrefix}, message))
	return out
}

func merkleNode(a, b MerkleHash) MerkleHash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var out MerkleHash
	copy(out[:], crypto.Keccak256([]byte{merkleNodePrefix}, a[:], b[:]))
	return out
}

func ParsePriceFeedMessage(msg []byte) (*PriceFeedMessage, error) {
	if len(msg) < priceFeedMessageSize {
		return nil, fmt.Errorf("price message too short (%d bytes)", len(msg))
	}
	if msg[0] != priceFeedMessageType {
		return nil, fmt.Errorf("not a price feed message (type %d)", msg[0])
	}
	r := &reader{buf: msg, off: 1}
	out := &PriceFeedMessage{}
	id, _ := r.take(32)
	copy(out.FeedID[:], id)
	price, _ := r.u64()
	conf, _ := r.u64()
	expo, _ := r.u32()
	publish, _ := r.u64()
	prev, _ := r.u64()
	ema, _ := r.u64()
	emaConf, _ := r.u64()
	out.Price = int64(price)
	out.Conf = conf
	out.Expo = int32(expo)
	out.PublishTime = int64(publish)
	out.PrevPublishTime = int64(prev)
	out.EMAPrice = int64(ema)
	out.EMAConf = emaConf
	return out, nil
}

// Attestation is everything needed to post one feed's price on-chain.
type Attestation struct {
	VAA              []byte
	GuardianSetIndex uint32
	Message          []byte
	Proof            []MerkleHash
	Price            PriceFeedMessage
	Slot             uint64
}

// BuildAttestation extracts the proven message for feedID from a Hermes binary
// blob, checks its merkle proof against the VAA root, and trims the VAA to
// maxSignatures.
func BuildAttestation(blob []byte, feedID [32]byte, maxSignatures int) (*Attestation, error) {
	update, err := ParseAccumulatorUpdate(blob)
	if err != nil {
		return nil, fmt.Errorf("parse accumulator update: %w", err)
	}
	vaa, err := ParseVAA(update.VAA)
	if err != nil {
		return nil, fmt.Errorf("parse vaa: %w", err)
	}
	root, err := ParseMerkleRoot(vaa.Payload)
	if err != nil {
		return nil, fmt.Errorf("parse merkle root: %w", err)
	}

	for _, u := range update.Updates {
		msg, err := ParsePriceFeedMessage(u.Message)
		if err != nil || msg.FeedID != feedID {
			continue
		}
		if !VerifyMerkleProof(u.Message, u.Proof, root.Root) {
			return nil, fmt.Errorf("merkle proof mismatch for feed %x", feedID)
		}
		trimmed, err := TrimSignatures(update.VAA, maxSignatures)
		if err != nil {
			return nil, err
		}
		return &Attestation{
			VAA:              trimmed,
			GuardianSetIndex: vaa.GuardianSetIndex,
			Message:          u.Message,
			Proof:            u.Proof,
			Price:            *msg,
			Slot:             root.Slot,
		}, nil
	}
	return nil, fmt.Errorf("feed %x not present in update", feedID)
}

func ParseFeedID(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("decode feed id %q: %w", raw, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("feed id %q must be 32 bytes, got %d", raw, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
