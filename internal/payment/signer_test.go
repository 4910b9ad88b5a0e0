package payment

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(wallet common.Address) Message {
	var nonce [32]byte
	nonce[31] = 1
	return Message{
		ServiceURL:    "https://api.example.com/data",
		Amount:        big.NewInt(100_000),
		Token:         usdcAddress,
		Recipient:     merchant,
		Description:   "market data",
		Timestamp:     1_700_000_000,
		Nonce:         nonce,
		WalletAddress: wallet,
	}
}

func TestSignatureRecoversWallet(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := Domain{ChainID: big.NewInt(84532), VerifyingContract: common.HexToAddress("0x0402")}
	s := NewSigner(key, domain)
	msg := testMessage(s.Address())

	sig, err := s.Sign(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := RecoverSigner(domain, msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestSignatureBoundToDomainAndMessage(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := Domain{ChainID: big.NewInt(84532), VerifyingContract: common.HexToAddress("0x0402")}
	s := NewSigner(key, domain)
	msg := testMessage(s.Address())
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	otherChain := Domain{ChainID: big.NewInt(1), VerifyingContract: domain.VerifyingContract}
	got, err := RecoverSigner(otherChain, msg, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)

	msg.Recipient = common.HexToAddress("0xbb")
	got, err = RecoverSigner(domain, msg, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)

	_, err = RecoverSigner(domain, msg, sig[:64])
	assert.Error(t, err)
}

func TestParseKeyAcceptsPrefix(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	a, err := ParseKey(hexKey)
	require.NoError(t, err)
	b, err := ParseKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(a.PublicKey), crypto.PubkeyToAddress(b.PublicKey))

	_, err = ParseKey("nope")
	assert.Error(t, err)
}
