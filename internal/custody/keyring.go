package custody

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// transferAuthInfo binds capability keys to the transfer-authorization role.
const transferAuthInfo = "PolicyLedger:transfer-auth:v1"

// Keyring holds the program root secret and mints per-address capability
// keys. Only holders of the keyring can authorize outflows from derived
// vaults; user wallets never need one because their outflows are gated by
// caller identity checks instead.
type Keyring struct {
	root []byte
}

func NewKeyring(secret []byte) *Keyring {
	root := make([]byte, len(secret))
	copy(root, secret)
	return &Keyring{root: root}
}

// Transfer is the exact movement being authorized. Ref ties the authorization
// to one event so a captured signature cannot be replayed on another.
type Transfer struct {
	From   Address
	To     Address
	Asset  uint16
	Amount int64
	Ref    string
}

// Authorization is a transfer plus the HMAC proving the program signed it.
type Authorization struct {
	Transfer Transfer
	Sig      [32]byte
}

// Authorize signs a transfer with the capability key of the source address.
func (k *Keyring) Authorize(t Transfer) Authorization {
	mac := hmac.New(sha256.New, k.capabilityKey(t.From))
	mac.Write(canonicalTransferBytes(t))

	var auth Authorization
	auth.Transfer = t
	copy(auth.Sig[:], mac.Sum(nil))
	return auth
}

// Verify reports whether the authorization was produced by this keyring for
// exactly the transfer it carries.
func (k *Keyring) Verify(a Authorization) bool {
	expected := k.Authorize(a.Transfer)
	return subtle.ConstantTimeCompare(expected.Sig[:], a.Sig[:]) == 1
}

// capabilityKey expands the root secret into a 32-byte key scoped to one
// address. HKDF keeps a leaked per-address key from revealing the root or
// any sibling key.
func (k *Keyring) capabilityKey(addr Address) []byte {
	r := hkdf.New(sha256.New, k.root, addr[:], []byte(transferAuthInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 cannot fail before 255*32 bytes are drawn.
		panic("custody: hkdf expand failed: " + err.Error())
	}
	return key
}

// canonicalTransferBytes encodes a transfer with length prefixes so no two
// distinct transfers share an encoding.
func canonicalTransferBytes(t Transfer) []byte {
	buf := make([]byte, 0, 2*len(t.From)+2+8+len(t.Ref)+16)
	buf = appendBytes(buf, t.From[:])
	buf = appendBytes(buf, t.To[:])

	var asset [2]byte
	binary.LittleEndian.PutUint16(asset[:], t.Asset)
	buf = appendBytes(buf, asset[:])

	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], uint64(t.Amount))
	buf = appendBytes(buf, amount[:])

	buf = appendBytes(buf, []byte(t.Ref))
	return buf
}

func appendBytes(buf, b []byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	buf = append(buf, n[:]...)
	return append(buf, b...)
}
