package indexer

import "testing"

func TestClassify_VideoMarkerIsLeaf(t *testing.T) {
	body := `<html><body><div data-episode-player></div></body></html>`
	isVideo, links := classify(body, "https://portal/lectures/x.html", nil)
	if !isVideo {
		t.Fatalf("expected page with the video marker to classify as a video leaf")
	}
	if len(links) != 0 {
		t.Fatalf("expected no child links for a video leaf, got %v", links)
	}
}

func TestClassify_ContainerExtractsAllowedChildLinks(t *testing.T) {
	body := `<html><body>
		<div id="results-listbox">
			<a href="/lectures/sub/a.html">A</a>
			<a href="/lectures/sub/b.html">B</a>
			<a href="/other/c.html">C</a>
		</div>
		<nav><a href="/lectures/sub/nav.html">nav</a></nav>
	</body></html>`

	_, links := classify(body, "https://portal/lectures/sub.html", []string{"lectures"})

	want := map[string]bool{
		"https://portal/lectures/sub/a.html": true,
		"https://portal/lectures/sub/b.html": true,
	}
	if len(links) != len(want) {
		t.Fatalf("got %d links, want %d: %v", len(links), len(want), links)
	}
	for _, l := range links {
		if !want[l] {
			t.Fatalf("unexpected link %q extracted (should be scoped to the results list box and allow-list)", l)
		}
	}
}

func TestClassify_MalformedHTMLIsContainerWithNoChildren(t *testing.T) {
	isVideo, links := classify("not html at all \x00\x01", "https://portal/lectures/x.html", nil)
	if isVideo {
		t.Fatalf("malformed body should never classify as a video leaf")
	}
	if links != nil {
		t.Fatalf("malformed body should yield no child links, got %v", links)
	}
}

func TestClassify_DeduplicatesRepeatedLinks(t *testing.T) {
	body := `<html><body>
		<div class="results-list">
			<a href="/lectures/sub/a.html">A</a>
			<a href="/lectures/sub/a.html">A again</a>
		</div>
	</body></html>`

	_, links := classify(body, "https://portal/lectures/sub.html", []string{"lectures"})
	if len(links) != 1 {
		t.Fatalf("expected duplicate hrefs to collapse to one link, got %v", links)
	}
}
