package electrum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/electrum/jsonrpc"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// AddressToScripthash derives the wire-level subscription key for an
// address: the sha256 of its output script, hex encoded in reversed byte
// order.
func AddressToScripthash(addr string) (string, error) {
	decoded, err := btcutil.DecodeAddress(addr, chain.Params)
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(script)
	for l, r := 0, len(digest)-1; l < r; l, r = l+1, r-1 {
		digest[l], digest[r] = digest[r], digest[l]
	}
	return hex.EncodeToString(digest[:]), nil
}

// addrToScripthash derives the scripthash and records the reverse
// mapping so responses can be rewritten in terms of the address.
func (n *Network) addrToScripthash(addr string) (string, error) {
	scripthash, err := AddressToScripthash(addr)
	if err != nil {
		return "", err
	}
	n.addrMtx.Lock()
	if _, ok := n.h2addr[scripthash]; !ok {
		n.h2addr[scripthash] = addr
	}
	n.addrMtx.Unlock()
	return scripthash, nil
}

// overloadCallback wraps a client callback so delivered responses carry
// the subscribed address in params instead of the wire scripthash.
func (n *Network) overloadCallback(cb ResponseCallback) ResponseCallback {
	return func(resp *jsonrpc.Response) {
		out := *resp
		if len(resp.Params) > 0 {
			n.addrMtx.Lock()
			addr, ok := n.h2addr[rawToken(resp.Params[0])]
			n.addrMtx.Unlock()
			if ok {
				raw, err := json.Marshal(addr)
				if err == nil {
					out.Params = []json.RawMessage{raw}
				}
			}
		}
		cb(&out)
	}
}

// SubscribeToAddresses subscribes to status notifications for each
// address. The callback sees the address, not the scripthash. Safe from
// any thread.
func (n *Network) SubscribeToAddresses(addresses []string,
	cb ResponseCallback) error {

	messages := make([]Message, 0, len(addresses))
	for _, addr := range addresses {
		scripthash, err := n.addrToScripthash(addr)
		if err != nil {
			return err
		}
		msg, err := NewMessage(
			"blockchain.scripthash.subscribe", scripthash,
		)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}
	n.Send(messages, n.overloadCallback(cb))
	return nil
}

// RequestAddressHistory fetches the confirmed history of a single
// address. Safe from any thread.
func (n *Network) RequestAddressHistory(address string,
	cb ResponseCallback) error {

	scripthash, err := n.addrToScripthash(address)
	if err != nil {
		return err
	}
	msg, err := NewMessage(
		"blockchain.scripthash.get_history", scripthash,
	)
	if err != nil {
		return err
	}
	n.Send([]Message{msg}, n.overloadCallback(cb))
	return nil
}
