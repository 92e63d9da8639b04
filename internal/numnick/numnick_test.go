package numnick

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, tc := range []struct{ sid, uid int }{
		{0, 0},
		{1, 1},
		{4095, 0},
		{0, 262143},
		{4095, 262143},
		{2021, 130000},
	} {
		numnick := EncodeUser(tc.sid, tc.uid)
		gotSID, err := DecodeServer(numnick[:2])
		if err != nil {
			t.Fatalf("DecodeServer(%q): %v", numnick[:2], err)
		}
		if gotSID != tc.sid {
			t.Errorf("sid round-trip: got %d want %d", gotSID, tc.sid)
		}
		gotUID, err := DecodeUser(numnick)
		if err != nil {
			t.Fatalf("DecodeUser(%q): %v", numnick, err)
		}
		if gotUID != tc.uid {
			t.Errorf("uid round-trip: got %d want %d", gotUID, tc.uid)
		}
	}
}

func TestDecodeServerInvalid(t *testing.T) {
	if _, err := DecodeServer("A"); err == nil {
		t.Error("expected error for short numeric")
	}
	if _, err := DecodeServer("A!"); err == nil {
		t.Error("expected error for out-of-alphabet character")
	}
}

func TestDecodeIPNumericRoundTripIPv4(t *testing.T) {
	// Pack 10.0.0.1 manually using the documented formula, then decode.
	var v uint32 = 10<<24 | 0<<16 | 0<<8 | 1
	digits := make([]byte, 6)
	val := v
	for i := 5; i >= 0; i-- {
		digits[i] = Alphabet[val&63]
		val >>= 6
	}
	got, err := DecodeIPNumeric(string(digits))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "10.0.0.1" {
		t.Errorf("got %q want 10.0.0.1", got)
	}
}

func TestStripEscapes(t *testing.T) {
	in := "hi\x01there\x1bfolks"
	want := "hi_there_folks"
	if got := StripEscapes(in); got != want {
		t.Errorf("got %q want %q", got, want)
	}
	if got := StripEscapes("clean"); got != "clean" {
		t.Errorf("got %q want unchanged", got)
	}
}

func TestDecodeIPNumericIPv6ZeroRun(t *testing.T) {
	// "1:2::3", per §4.A's worked example: AABAAC_AAD.
	got, err := DecodeIPNumeric("AABAAC_AAD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "1:2::3" {
		t.Errorf("got %q want 1:2::3", got)
	}
}

func TestRegisterDeregisterServerCascade(t *testing.T) {
	tbl := New()
	// A has capacity for 1 user: sid 0 packed with uid=1 in its own numeric.
	aNumnick := EncodeUser(0, 1)
	if _, err := tbl.RegisterServer(aNumnick, "A", nil); err != nil {
		t.Fatalf("register A: %v", err)
	}
	a := tbl.ServerBySID(0)

	bNumnick := EncodeUser(1, 1)
	if _, err := tbl.RegisterServer(bNumnick, "B", a); err != nil {
		t.Fatalf("register B: %v", err)
	}

	userNumnick := EncodeUser(1, 0)
	if _, err := tbl.RegisterUser(userNumnick, "bob", "bob", "host", "gecos", "AAAAAA", "", false); err != nil {
		t.Fatalf("register user: %v", err)
	}

	tbl.DeregisterServerByName("A")

	if tbl.ServerBySID(0).Name != "" || tbl.ServerBySID(1).Name != "" {
		t.Fatal("expected both A and B to be deregistered")
	}
	if _, err := tbl.UserByNumnick(userNumnick); err == nil {
		t.Fatal("expected user lookup on deregistered server to fail")
	}
}
