package cashu

import (
	"reflect"
	"strings"
	"testing"
)

func testProofs() Proofs {
	return Proofs{
		{
			Amount: 2,
			Id:     "009a1f293253e41e",
			Secret: "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837",
			C:      "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
		},
		{
			Amount: 8,
			Id:     "009a1f293253e41e",
			Secret: "fe15109314e61d7756b0f8ee0f23a624acaa3f4e042f61433c728c7057b931be",
			C:      "029e8e5050b890a7d6c0968db16bc1d5d5fa040ea1de284f6ec69d61299f671059",
		},
	}
}

func TestTokenV4RoundTrip(t *testing.T) {
	tests := []struct {
		proofs Proofs
		mint   string
		unit   Unit
	}{
		{testProofs(), "https://mint.example.com", USD},
		{testProofs()[:1], "http://localhost:3338", USD},
		{testProofs(), "https://8333.space:3338", Sat},
	}

	for _, test := range tests {
		token, err := NewTokenV4(test.proofs, test.mint, test.unit)
		if err != nil {
			t.Fatal(err)
		}

		tokenString, err := token.Serialize()
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(tokenString, "cashuB") {
			t.Errorf("expected 'cashuB' prefix but got '%v' instead", tokenString[:6])
		}

		decoded, err := DecodeTokenV4(tokenString)
		if err != nil {
			t.Fatal(err)
		}

		if decoded.Mint() != test.mint {
			t.Errorf("expected '%v' but got '%v' instead", test.mint, decoded.Mint())
		}
		if decoded.Unit != test.unit.String() {
			t.Errorf("expected '%v' but got '%v' instead", test.unit.String(), decoded.Unit)
		}
		if decoded.Amount() != test.proofs.Amount() {
			t.Errorf("expected '%v' but got '%v' instead", test.proofs.Amount(), decoded.Amount())
		}

		decodedProofs := decoded.Proofs()
		if len(decodedProofs) != len(test.proofs) {
			t.Fatalf("expected %v proofs but got %v instead", len(test.proofs), len(decodedProofs))
		}
		for _, expected := range test.proofs {
			found := false
			for _, proof := range decodedProofs {
				if reflect.DeepEqual(proof, expected) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("proof with secret '%v' missing from decoded token", expected.Secret)
			}
		}
	}
}

func TestTokenV3RoundTrip(t *testing.T) {
	token := NewTokenV3(testProofs(), "https://mint.example.com", USD)

	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(tokenString, "cashuA") {
		t.Errorf("expected 'cashuA' prefix but got '%v' instead", tokenString[:6])
	}

	decoded, err := DecodeTokenV3(tokenString)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Mint() != token.Mint() {
		t.Errorf("expected '%v' but got '%v' instead", token.Mint(), decoded.Mint())
	}
	if decoded.Unit != "usd" {
		t.Errorf("expected 'usd' but got '%v' instead", decoded.Unit)
	}
	if !reflect.DeepEqual(decoded.Proofs(), token.Proofs()) {
		t.Error("decoded proofs do not match")
	}
}

func TestDecodeTokenAnyVersion(t *testing.T) {
	v3, _ := NewTokenV3(testProofs(), "https://mint.example.com", USD).Serialize()
	v4Token, _ := NewTokenV4(testProofs(), "https://mint.example.com", USD)
	v4, _ := v4Token.Serialize()

	for _, tokenString := range []string{v3, v4} {
		token, err := DecodeToken(tokenString)
		if err != nil {
			t.Fatal(err)
		}
		if token.Amount() != 10 {
			t.Errorf("expected '%v' but got '%v' instead", 10, token.Amount())
		}
		if token.Mint() != "https://mint.example.com" {
			t.Errorf("expected '%v' but got '%v' instead", "https://mint.example.com", token.Mint())
		}
	}
}

func TestDecodeInvalidTokens(t *testing.T) {
	tests := []string{
		"",
		"cashu",
		"cashuC9999",
		"cashuBnot-base64!!!",
		"cashuAnot-base64!!!",
	}

	for _, tokenString := range tests {
		if _, err := DecodeToken(tokenString); err == nil {
			t.Errorf("expected error decoding '%v'", tokenString)
		}
	}
}

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{13, []uint64{1, 4, 8}},
		{64, []uint64{64}},
		{320, []uint64{64, 256}},
		{0, []uint64{}},
	}

	for _, test := range tests {
		split := AmountSplit(test.amount)
		if !reflect.DeepEqual(split, test.expected) {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, split)
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := testProofs()
	if CheckDuplicateProofs(proofs) {
		t.Error("expected no duplicate proofs")
	}

	duplicated := append(proofs, proofs[0])
	if !CheckDuplicateProofs(duplicated) {
		t.Error("expected duplicate proofs")
	}
}
