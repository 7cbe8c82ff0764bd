package links

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

const blogYAML = `
entities:
  post:
    fields: [id, title, author_id]
    links:
      - attribute: author
        target: user
        cardinality: one
        fields: [id, name]
      - attribute: tags
        target: tag
        cardinality: many
        through: post_tag
        source_key: post_id
        target_key: tag_id
        order_by: position
      - attribute: comments
        target: comment
        cardinality: many
        foreign_key: post_id
  user:
    links:
      - attribute: manager
        target: user
        cardinality: one
api_links:
  - root: post
    collection: posts
  - root: user
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(blogYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"post", "user"}, cfg.Roots())
	assert.True(t, cfg.IsRoot("post"))
	assert.False(t, cfg.IsRoot("tag"))

	coll, err := cfg.Collection("post")
	require.NoError(t, err)
	assert.Equal(t, "posts", coll)
	coll, err = cfg.Collection("user")
	require.NoError(t, err)
	assert.Equal(t, "user", coll)
	_, err = cfg.Collection("tag")
	require.Error(t, err)

	post, ok := cfg.Entity("post")
	require.True(t, ok)
	require.Len(t, post.Links, 3)
	assert.Equal(t, "author_id", post.Links[0].ForeignKey)
	assert.Equal(t, "post_id", post.Links[2].ForeignKey)

	// Undeclared targets and junctions are materialised with defaults.
	for _, name := range []string{"tag", "post_tag", "comment"} {
		e, ok := cfg.Entity(name)
		require.True(t, ok, name)
		assert.Equal(t, DefaultPrimaryKey, e.PrimaryKey)
	}
	assert.Equal(t, DefaultMaxDepth, cfg.MaxDepth())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blogYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Roots(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNew_RejectsCycles(t *testing.T) {
	entities := []Entity{
		{Name: "post", Links: []LinkSpec{{Attribute: "author", Target: "user", Cardinality: One}}},
		{Name: "user", Links: []LinkSpec{{Attribute: "team", Target: "team", Cardinality: One}}},
		{Name: "team", Links: []LinkSpec{{Attribute: "pinned", Target: "post", Cardinality: One}}},
	}
	_, err := New(entities, []ApiLink{{Root: "post"}})

	var cfgErr *syncerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "post -> user -> team -> post")
}

func TestNew_AllowsSelfReference(t *testing.T) {
	entities := []Entity{
		{Name: "user", Links: []LinkSpec{{Attribute: "manager", Target: "user", Cardinality: One}}},
	}
	cfg, err := New(entities, []ApiLink{{Root: "user"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, cfg.Roots())
}

func TestNew_Invalid(t *testing.T) {
	cases := []struct {
		name     string
		entities []Entity
		apiLinks []ApiLink
		reason   string
	}{
		{
			name:   "no roots",
			reason: "no root entities declared",
		},
		{
			name:     "duplicate root",
			apiLinks: []ApiLink{{Root: "post"}, {Root: "post", Collection: "other"}},
			reason:   "more than one api link",
		},
		{
			name:     "duplicate entity",
			entities: []Entity{{Name: "post"}, {Name: "post"}},
			apiLinks: []ApiLink{{Root: "post"}},
			reason:   "declared twice",
		},
		{
			name:     "bad cardinality",
			entities: []Entity{{Name: "post", Links: []LinkSpec{{Attribute: "a", Target: "user", Cardinality: "some"}}}},
			apiLinks: []ApiLink{{Root: "post"}},
			reason:   "unknown cardinality",
		},
		{
			name:     "many without join",
			entities: []Entity{{Name: "post", Links: []LinkSpec{{Attribute: "tags", Target: "tag", Cardinality: Many}}}},
			apiLinks: []ApiLink{{Root: "post"}},
			reason:   "needs through or foreign_key",
		},
		{
			name: "junction without keys",
			entities: []Entity{{Name: "post", Links: []LinkSpec{
				{Attribute: "tags", Target: "tag", Cardinality: Many, Through: "post_tag"},
			}}},
			apiLinks: []ApiLink{{Root: "post"}},
			reason:   "needs source_key and target_key",
		},
		{
			name: "duplicate attribute",
			entities: []Entity{{Name: "post", Links: []LinkSpec{
				{Attribute: "author", Target: "user", Cardinality: One},
				{Attribute: "author", Target: "user", Cardinality: One},
			}}},
			apiLinks: []ApiLink{{Root: "post"}},
			reason:   "linked twice",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.entities, tc.apiLinks)
			var cfgErr *syncerr.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, cfgErr.Reason, tc.reason)
		})
	}
}

func TestNew_DepthCap(t *testing.T) {
	entities := []Entity{
		{Name: "a", Links: []LinkSpec{{Attribute: "b", Target: "b", Cardinality: One}}},
		{Name: "b", Links: []LinkSpec{{Attribute: "c", Target: "c", Cardinality: One}}},
		{Name: "c", Links: []LinkSpec{{Attribute: "d", Target: "d", Cardinality: One}}},
	}

	_, err := New(entities, []ApiLink{{Root: "a"}}, WithMaxDepth(2))
	var cfgErr *syncerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "depth 3 exceeds maximum 2")

	_, err = New(entities, []ApiLink{{Root: "a"}}, WithMaxDepth(3))
	require.NoError(t, err)
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("entities: [unclosed"))
	var cfgErr *syncerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestReferrers(t *testing.T) {
	cfg, err := Parse([]byte(blogYAML))
	require.NoError(t, err)

	refs := cfg.Referrers("user")
	require.Len(t, refs, 2)
	assert.Equal(t, "post", refs[0].Parent)
	assert.Equal(t, "author", refs[0].Link.Attribute)
	assert.Equal(t, "user", refs[1].Parent)
	assert.Equal(t, "manager", refs[1].Link.Attribute)

	refs = cfg.Referrers("post_tag")
	require.Len(t, refs, 1)
	assert.Equal(t, "tags", refs[0].Link.Attribute)

	assert.Empty(t, cfg.Referrers("post"))
}
