// Package escrow derives the one-time escrow address of each bid.
//
// The key of a bid is sha256(seed ‖ auctionID ‖ bidID) interpreted as a
// secp256k1 scalar; its address is the Base58Check P2PKH encoding of
// HASH160(compressed pubkey). The same seed always yields the same addresses,
// so escrows can be recomputed (and swept) after a restart.
package escrow

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/alejandrodnm/dutchclear/internal/ports"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // HASH160 is defined over RIPEMD-160
)

// Network selects the address version bytes.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

type versions struct {
	p2pkh byte
	p2sh  byte
}

var networkVersions = map[Network]versions{
	Mainnet: {p2pkh: 0x00, p2sh: 0x05},
	Testnet: {p2pkh: 0x6f, p2sh: 0xc4},
}

var (
	ErrEmptySeed      = errors.New("escrow seed is empty")
	ErrUnknownNetwork = errors.New("unknown network")
	ErrBadChecksum    = errors.New("checksum mismatch")
	ErrBadLength      = errors.New("decoded address must be 25 bytes")
	ErrWrongNetwork   = errors.New("address version does not match network")
)

// Deriver implements ports.AddressDeriver.
type Deriver struct {
	seed []byte
	ver  versions
}

var _ ports.AddressDeriver = (*Deriver)(nil)

// NewDeriver creates a deriver for the given seed and network.
func NewDeriver(seed string, network Network) (*Deriver, error) {
	if seed == "" {
		return nil, ErrEmptySeed
	}
	if network == "" {
		network = Mainnet
	}
	v, ok := networkVersions[network]
	if !ok {
		return nil, fmt.Errorf("escrow.NewDeriver: %w: %q", ErrUnknownNetwork, network)
	}
	return &Deriver{seed: []byte(seed), ver: v}, nil
}

// EscrowAddress returns the P2PKH address of the bid's escrow key.
func (d *Deriver) EscrowAddress(auctionID, bidID string) (string, error) {
	key, err := d.PrivateKey(auctionID, bidID)
	if err != nil {
		return "", err
	}
	return d.P2PKHFromPubkey(crypto.CompressPubkey(&key.PublicKey)), nil
}

// PrivateKey derives the escrow key of a bid. Operators need it to sweep or
// refund escrows; it is never logged.
func (d *Deriver) PrivateKey(auctionID, bidID string) (*ecdsa.PrivateKey, error) {
	if auctionID == "" || bidID == "" {
		return nil, fmt.Errorf("escrow.PrivateKey: auction and bid ids are required")
	}
	material := bytes.Join([][]byte{d.seed, []byte(auctionID), []byte(bidID)}, []byte{0})
	for counter := byte(0); ; counter++ {
		digest := sha256.Sum256(append(material, counter))
		key, err := crypto.ToECDSA(digest[:])
		if err == nil {
			return key, nil
		}
		// sha256 fuera del orden de la curva: probabilidad ~2^-128
		if counter == 255 {
			return nil, fmt.Errorf("escrow.PrivateKey: %w", err)
		}
	}
}

// ValidateAddress checks Base58Check encoding, length and the network's
// P2PKH/P2SH version byte.
func (d *Deriver) ValidateAddress(addr string) error {
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("decode %q: %w", addr, err)
	}
	if len(raw) != 25 {
		return ErrBadLength
	}
	payload, sum := raw[:21], raw[21:]
	if !bytes.Equal(checksum(payload), sum) {
		return ErrBadChecksum
	}
	if payload[0] != d.ver.p2pkh && payload[0] != d.ver.p2sh {
		return ErrWrongNetwork
	}
	return nil
}

// P2PKHFromPubkey encodes a compressed or uncompressed public key as a P2PKH
// address on the deriver's network.
func (d *Deriver) P2PKHFromPubkey(pub []byte) string {
	return encodeCheck(d.ver.p2pkh, hash160(pub))
}

func hash160(b []byte) []byte {
	sha := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

func encodeCheck(version byte, hash []byte) string {
	payload := make([]byte, 0, 25)
	payload = append(payload, version)
	payload = append(payload, hash...)
	payload = append(payload, checksum(payload)...)
	return base58.Encode(payload)
}
