package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ecashlabs/nutgate/cashu"
)

// Wire types for the subset of the mint HTTP API the gate exercises.

type GetKeysResponse struct {
	Keysets []KeysetKeys `json:"keysets"`
}

type KeysetKeys struct {
	Id   string            `json:"id"`
	Unit string            `json:"unit"`
	Keys map[uint64]string `json:"keys"`
}

type PostSwapRequest struct {
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostSwapResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	State    string                  `json:"state"`
	Preimage string                  `json:"payment_preimage,omitempty"`
	Change   cashu.BlindedSignatures `json:"change,omitempty"`
}

// On-chain payout quote. Non-standard mint extension: the request body
// shape {amount, address, chain} is kept exactly as the mints the gate
// targets expect it.
type PostMeltQuoteOnchainRequest struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

type PostMeltQuoteOnchainResponse struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltOnchainRequest struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
}

type PostMeltOnchainResponse struct {
	State  string `json:"state"`
	TxHash string `json:"tx_hash,omitempty"`
}

func GetMintKeys(ctx context.Context, mintURL string) (*GetKeysResponse, error) {
	resp, err := get(ctx, mintURL+"/v1/keys")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var keysRes GetKeysResponse
	if err := json.Unmarshal(body, &keysRes); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &keysRes, nil
}

func PostSwap(ctx context.Context, mintURL string, swapRequest PostSwapRequest) (*PostSwapResponse, error) {
	resp, err := httpPost(ctx, mintURL+"/v1/swap", swapRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var swapResponse PostSwapResponse
	if err := json.Unmarshal(body, &swapResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &swapResponse, nil
}

func PostMeltQuoteBolt11(ctx context.Context, mintURL string, quoteRequest PostMeltQuoteBolt11Request) (
	*PostMeltQuoteBolt11Response, error) {

	resp, err := httpPost(ctx, mintURL+"/v1/melt/quote/bolt11", quoteRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var quoteResponse PostMeltQuoteBolt11Response
	if err := json.Unmarshal(body, &quoteResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &quoteResponse, nil
}

func PostMeltBolt11(ctx context.Context, mintURL string, meltRequest PostMeltBolt11Request) (
	*PostMeltBolt11Response, error) {

	resp, err := httpPost(ctx, mintURL+"/v1/melt/bolt11", meltRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var meltResponse PostMeltBolt11Response
	if err := json.Unmarshal(body, &meltResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &meltResponse, nil
}

func PostMeltQuoteOnchain(ctx context.Context, mintURL string, quoteRequest PostMeltQuoteOnchainRequest) (
	*PostMeltQuoteOnchainResponse, error) {

	resp, err := httpPost(ctx, mintURL+"/v1/melt/quote/onchain", quoteRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var quoteResponse PostMeltQuoteOnchainResponse
	if err := json.Unmarshal(body, &quoteResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &quoteResponse, nil
}

func PostMeltOnchain(ctx context.Context, mintURL string, meltRequest PostMeltOnchainRequest) (
	*PostMeltOnchainResponse, error) {

	resp, err := httpPost(ctx, mintURL+"/v1/melt/onchain", meltRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var meltResponse PostMeltOnchainResponse
	if err := json.Unmarshal(body, &meltResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &meltResponse, nil
}

func get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

func httpPost(ctx context.Context, url string, requestBody any) (*http.Response, error) {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

func parse(response *http.Response) (*http.Response, error) {
	if response.StatusCode == 400 {
		defer response.Body.Close()
		var errResponse cashu.Error
		err := json.NewDecoder(response.Body).Decode(&errResponse)
		if err != nil {
			return nil, fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return nil, errResponse
	}

	if response.StatusCode != 200 {
		defer response.Body.Close()
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s", body)
	}

	return response, nil
}
