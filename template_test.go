// Copyright 2025 Agentic World, LLC (Sherin Thomas)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package greenlight

import (
	"fmt"
	"testing"
)

const productPage = `<!DOCTYPE html>
<html>
<head><title>Product</title></head>
<body>
<header><nav><a href="/">Home</a><a href="/shop">Shop</a></nav><div class="logo"></div></header>
<main>
  <h1>%s</h1>
  <div class="gallery"></div>
  <div class="details"><h2>Details</h2><h3>Shipping</h3></div>
</main>
<footer><div class="links"></div><div class="legal"></div></footer>
</body>
</html>`

const aboutPage = `<!DOCTYPE html>
<html>
<head><title>About</title></head>
<body>
<header><nav><a href="/">Home</a></nav></header>
<main><h1>About us</h1><p>Text</p><p>More</p><p>Even more</p></main>
</body>
</html>`

func TestTemplateSignatureStableAcrossPaths(t *testing.T) {
	a, err := ComputeTemplateSignature([]byte(fmt.Sprintf(productPage, "Red shoe")))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeTemplateSignature([]byte(fmt.Sprintf(productPage, "Blue shoe")))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same structure produced different signatures: %+v vs %+v", a, b)
	}
	if a.Fingerprint("example.com") != b.Fingerprint("example.com") {
		t.Error("same signature produced different fingerprints")
	}
}

func TestTemplateSignatureCounts(t *testing.T) {
	sig, err := ComputeTemplateSignature([]byte(fmt.Sprintf(productPage, "X")))
	if err != nil {
		t.Fatal(err)
	}
	if sig.HeaderChildren != 2 {
		t.Errorf("HeaderChildren = %d, want 2", sig.HeaderChildren)
	}
	if sig.MainChildren != 3 {
		t.Errorf("MainChildren = %d, want 3", sig.MainChildren)
	}
	if sig.FooterChildren != 2 {
		t.Errorf("FooterChildren = %d, want 2", sig.FooterChildren)
	}
	if sig.NavChildren != 2 {
		t.Errorf("NavChildren = %d, want 2", sig.NavChildren)
	}
	if sig.H1Count != 1 || sig.H2Count != 1 || sig.H3Count != 1 {
		t.Errorf("heading counts = %d/%d/%d, want 1/1/1", sig.H1Count, sig.H2Count, sig.H3Count)
	}
}

func TestTemplateSignatureIgnoresVolatileTags(t *testing.T) {
	plain := []byte(`<html><body><main><p>a</p></main></body></html>`)
	noisy := []byte(`<html><body><main><p>a</p><script>track()</script><style>.x{}</style></main></body></html>`)

	a, err := ComputeTemplateSignature(plain)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeTemplateSignature(noisy)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("script/style changed the signature: %+v vs %+v", a, b)
	}
}

func TestFingerprintHostPrefix(t *testing.T) {
	sig := TemplateSignature{MainChildren: 3, H1Count: 1}
	a := sig.Fingerprint("a.test")
	b := sig.Fingerprint("b.test")
	if a == b {
		t.Error("fingerprints for different hosts must differ")
	}
	if got, want := a[:7], "a.test:"; got != want {
		t.Errorf("fingerprint prefix = %q, want %q", got, want)
	}
}

func TestDifferentStructureDifferentFingerprint(t *testing.T) {
	a, err := TemplateFingerprint("example.com", []byte(fmt.Sprintf(productPage, "X")))
	if err != nil {
		t.Fatal(err)
	}
	b, err := TemplateFingerprint("example.com", []byte(aboutPage))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("structurally different pages produced the same fingerprint")
	}
}

func TestTemplateRegistryObserve(t *testing.T) {
	r := NewTemplateRegistry()

	isNew, isRep := r.Observe("example.com:aa", "https://example.com/products/long-path")
	if !isNew || !isRep {
		t.Fatalf("first observation: isNew=%v isRep=%v, want true/true", isNew, isRep)
	}

	// Shorter path takes over as representative.
	isNew, isRep = r.Observe("example.com:aa", "https://example.com/p/1")
	if isNew {
		t.Error("second observation reported a new template")
	}
	if !isRep {
		t.Error("shorter path did not become representative")
	}

	// Longer path does not.
	_, isRep = r.Observe("example.com:aa", "https://example.com/products/another-long-path")
	if isRep {
		t.Error("longer path became representative")
	}

	snap := r.Snapshot()
	c, ok := snap["example.com:aa"]
	if !ok {
		t.Fatal("cluster missing from snapshot")
	}
	if c.RepresentativeURL != "https://example.com/p/1" {
		t.Errorf("representative = %q, want shortest path", c.RepresentativeURL)
	}
	if c.Count != 3 || len(c.MemberURLs) != 3 {
		t.Errorf("count = %d, members = %d, want 3/3", c.Count, len(c.MemberURLs))
	}
	found := false
	for _, m := range c.MemberURLs {
		if m == c.RepresentativeURL {
			found = true
		}
	}
	if !found {
		t.Error("representative is not a member of its own cluster")
	}
}

func TestTemplateRegistryTieBreak(t *testing.T) {
	r := NewTemplateRegistry()
	r.Observe("t", "https://example.com/bb")
	_, isRep := r.Observe("t", "https://example.com/aa")
	if !isRep {
		t.Error("lexicographically smaller URL of equal path length did not win the tie")
	}
	if rep := r.Snapshot()["t"].RepresentativeURL; rep != "https://example.com/aa" {
		t.Errorf("representative = %q, want https://example.com/aa", rep)
	}
}

func TestTemplateRegistryRestoreRoundTrip(t *testing.T) {
	r := NewTemplateRegistry()
	for i := 0; i < 5; i++ {
		r.Observe("example.com:x", fmt.Sprintf("https://example.com/products/%d", i))
	}
	r.Observe("example.com:y", "https://example.com/about")

	snap := r.Snapshot()

	restored := NewTemplateRegistry()
	restored.Restore(snap)
	again := restored.Snapshot()

	if len(again) != len(snap) {
		t.Fatalf("restored %d clusters, want %d", len(again), len(snap))
	}
	for id, c := range snap {
		got := again[id]
		if got.RepresentativeURL != c.RepresentativeURL || got.Count != c.Count {
			t.Errorf("cluster %s mismatch after restore: %+v vs %+v", id, got, c)
		}
	}
}
