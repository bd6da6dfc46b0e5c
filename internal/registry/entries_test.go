package registry

import (
	"strings"
	"testing"
)

func TestNamerEncodeDecodeRoundTrip(t *testing.T) {
	n := Namer{Separator: "::"}
	proxyName := n.Encode("echo", "say")
	if proxyName != "echo::say" {
		t.Fatalf("unexpected proxy name: %q", proxyName)
	}

	serverID, originalName, ok := n.Decode(proxyName)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if serverID != "echo" || originalName != "say" {
		t.Fatalf("unexpected decode result: %q, %q", serverID, originalName)
	}
}

func TestNamerDecodeMalformedNoSeparator(t *testing.T) {
	n := Namer{Separator: "::"}
	if _, _, ok := n.Decode("noseparatorhere"); ok {
		t.Fatal("expected decode failure without separator")
	}
}

func TestNamerAlternateSeparator(t *testing.T) {
	n := Namer{Separator: "__"}
	proxyName := n.Encode("fs", "read")
	if proxyName != "fs__read" {
		t.Fatalf("unexpected proxy name: %q", proxyName)
	}
	serverID, originalName, ok := n.Decode(proxyName)
	if !ok || serverID != "fs" || originalName != "read" {
		t.Fatalf("unexpected decode result: %q, %q, %v", serverID, originalName, ok)
	}
}

func TestRegistryReplacePreservesUpstreamOrderAndClearsStale(t *testing.T) {
	n := Namer{Separator: "::"}
	r := NewRegistry()

	r.Replace("a", []Entry{
		{ProxyName: n.Encode("a", "t1"), ServerID: "a", OriginalName: "t1"},
		{ProxyName: n.Encode("a", "t2"), ServerID: "a", OriginalName: "t2"},
	})
	r.Replace("b", []Entry{
		{ProxyName: n.Encode("b", "t3"), ServerID: "b", OriginalName: "t3"},
	})

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].ProxyName != "a::t1" || all[1].ProxyName != "a::t2" || all[2].ProxyName != "b::t3" {
		t.Fatalf("unexpected merge order: %+v", all)
	}

	// Restart of "a" with a changed tool set must not leave stale entries.
	r.Replace("a", []Entry{
		{ProxyName: n.Encode("a", "t4"), ServerID: "a", OriginalName: "t4"},
	})
	all = r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries after replace, got %d: %+v", len(all), all)
	}
	if all[0].ProxyName != "a::t4" || all[1].ProxyName != "b::t3" {
		t.Fatalf("unexpected merge order after replace: %+v", all)
	}
	if _, ok := r.Get("a::t1"); ok {
		t.Fatal("expected stale entry a::t1 to be gone")
	}

	e, ok := r.Get("b::t3")
	if !ok || e.OriginalName != "t3" {
		t.Fatalf("unexpected lookup result: %+v, %v", e, ok)
	}
}

func TestResourceURIRoundTrip(t *testing.T) {
	uri := EncodeResourceURI("fs", "file:///etc/hosts")

	server, original, err := DecodeResourceURI(uri)
	if err != nil {
		t.Fatalf("DecodeResourceURI: %v", err)
	}
	if server != "fs" || original != "file:///etc/hosts" {
		t.Fatalf("unexpected decode result: %q, %q", server, original)
	}
}

func TestResourceURIDecodeMalformedFailsCleanly(t *testing.T) {
	cases := []string{
		"",
		"not-a-proxy-uri",
		"proxy://resource/not-valid-base64!!!",
		"proxy://resource/" + "bm90IGpzb24", // base64 of "not json"
	}
	for _, c := range cases {
		if _, _, err := DecodeResourceURI(c); err == nil {
			t.Fatalf("expected error decoding %q", c)
		}
	}
}

func TestWithProxyMetadataAttachesOrigin(t *testing.T) {
	out, err := WithProxyMetadata([]byte(`{"name":"say"}`), "echo", "say")
	if err != nil {
		t.Fatalf("WithProxyMetadata: %v", err)
	}
	want := `"proxy":{"originalName":"say","serverId":"echo"}`
	if !strings.Contains(string(out), want) {
		t.Fatalf("expected descriptor to contain %s, got %s", want, out)
	}
}
