package zimserve

import "testing"

func TestParseByteRangeSuffix(t *testing.T) {
	t.Parallel()

	// "bytes=-N" on a resource of size S returns bytes [S-N, S-1].
	const size = int64(1000)
	start, end, ok := parseByteRange("bytes=-100", size)
	if !ok {
		t.Fatal("expected suffix range to parse")
	}
	if start != size-100 || end != size-1 {
		t.Errorf("parseByteRange(bytes=-100, %d) = (%d, %d), want (%d, %d)", size, start, end, size-100, size-1)
	}
}

func TestParseByteRangeSuffixLargerThanSize(t *testing.T) {
	t.Parallel()

	const size = int64(500)
	start, end, ok := parseByteRange("bytes=-10000", size)
	if !ok {
		t.Fatal("expected suffix range larger than size to clamp, not fail")
	}
	if start != 0 || end != size-1 {
		t.Errorf("got (%d, %d), want (0, %d)", start, end, size-1)
	}
}

func TestParseByteRangePrefix(t *testing.T) {
	t.Parallel()

	start, end, ok := parseByteRange("bytes=0-1023", 12582912)
	if !ok || start != 0 || end != 1023 {
		t.Errorf("parseByteRange(bytes=0-1023) = (%d, %d, %v), want (0, 1023, true)", start, end, ok)
	}
}

func TestParseByteRangeOpenEnded(t *testing.T) {
	t.Parallel()

	const size = int64(1000)
	start, end, ok := parseByteRange("bytes=500-", size)
	if !ok || start != 500 || end != size-1 {
		t.Errorf("parseByteRange(bytes=500-) = (%d, %d, %v), want (500, %d, true)", start, end, ok, size-1)
	}
}

func TestParseByteRangeOutsideBoundsRejected(t *testing.T) {
	t.Parallel()

	const size = int64(1000)
	if _, _, ok := parseByteRange("bytes=1000-2000", size); ok {
		t.Error("a range starting at or beyond size must be rejected")
	}
	if _, _, ok := parseByteRange("bytes=-0", size); ok {
		t.Error("a zero-length suffix range must be rejected")
	}
}

func TestParseByteRangeMultiRangeRejected(t *testing.T) {
	t.Parallel()

	if _, _, ok := parseByteRange("bytes=0-10,20-30", 1000); ok {
		t.Error("multi-range requests are not supported (single-range only)")
	}
}

func TestParseByteRangeMalformedRejected(t *testing.T) {
	t.Parallel()

	for _, h := range []string{"", "0-10", "bytes=abc-10", "bytes="} {
		if _, _, ok := parseByteRange(h, 1000); ok {
			t.Errorf("expected malformed header %q to be rejected", h)
		}
	}
}

func TestIsStreamableMIME(t *testing.T) {
	t.Parallel()

	streamable := []string{"video/mp4", "audio/mpeg", "application/ogg"}
	for _, m := range streamable {
		if !isStreamableMIME(m) {
			t.Errorf("expected %q to be streamable", m)
		}
	}
	if isStreamableMIME("text/html") {
		t.Error("text/html must not be treated as streamable")
	}
}

func TestIsCompressibleMIME(t *testing.T) {
	t.Parallel()

	compressible := []string{"text/html", "application/javascript", "application/json", "image/svg+xml"}
	for _, m := range compressible {
		if !isCompressibleMIME(m) {
			t.Errorf("expected %q to be compressible", m)
		}
	}
	if isCompressibleMIME("image/png") {
		t.Error("image/png must not be treated as compressible")
	}
}

func TestShouldServeShellEmptyPathOrDocumentNav(t *testing.T) {
	t.Parallel()

	if !shouldServeShell("", "", false, false) {
		t.Error("an empty entry path should serve the shell")
	}
	if !shouldServeShell("A/Python", "document", false, false) {
		t.Error("Sec-Fetch-Dest: document should serve the shell")
	}
	if shouldServeShell("A/Python", "", false, false) {
		t.Error("a plain in-app fetch of a non-empty path should not serve the shell")
	}
}

func TestShouldServeShellRawBypassesShell(t *testing.T) {
	t.Parallel()

	if shouldServeShell("", "document", true, false) {
		t.Error("?raw=1 should bypass the shell even for document navigation")
	}
}

func TestShouldServeShellViewForcesShellEvenOverRaw(t *testing.T) {
	t.Parallel()

	if !shouldServeShell("A/Python", "", true, true) {
		t.Error("?view=1 should force the shell even when ?raw=1 is also set")
	}
}

func TestShouldServeShellEPUBNeverGetsShell(t *testing.T) {
	t.Parallel()

	if shouldServeShell("A/Book.epub", "document", false, false) {
		t.Error("an EPUB path should always serve raw, even on document navigation")
	}
}

func TestContentETagStable(t *testing.T) {
	t.Parallel()

	a := ContentETag("wikipedia", "A/Python")
	b := ContentETag("wikipedia", "A/Python")
	if a != b {
		t.Errorf("ContentETag not stable across calls: %q != %q", a, b)
	}
	if c := ContentETag("wikipedia", "A/Other"); c == a {
		t.Error("ContentETag must differ for different paths")
	}
}
