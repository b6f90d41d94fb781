package autonomous

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
)

// DemoFeed is an in-memory feed server for local runs and tests. It
// speaks the same GET/POST /feed shape FeedClient consumes.
type DemoFeed struct {
	mu    sync.Mutex
	next  int
	items []Item
}

// NewDemoFeed starts empty.
func NewDemoFeed() *DemoFeed {
	return &DemoFeed{next: 1}
}

// Routes builds the feed's HTTP surface.
func (d *DemoFeed) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/feed", d.handleGet)
	r.POST("/feed", d.handlePost)
	return r
}

// Items snapshots the feed, oldest first.
func (d *DemoFeed) Items() []Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Item, len(d.items))
	copy(out, d.items)
	return out
}

// Append adds an item directly, for tests that seed the feed.
func (d *DemoFeed) Append(text, threadID string) Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appendLocked(text, threadID)
}

func (d *DemoFeed) appendLocked(text, threadID string) Item {
	item := Item{ID: strconv.Itoa(d.next), ThreadID: threadID, Text: text}
	d.next++
	d.items = append(d.items, item)
	return item
}

func (d *DemoFeed) handleGet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": d.Items()})
}

func (d *DemoFeed) handlePost(c *gin.Context) {
	var req struct {
		Text     string `json:"text"`
		ThreadID string `json:"thread_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "text required"})
		return
	}
	d.mu.Lock()
	item := d.appendLocked(req.Text, req.ThreadID)
	d.mu.Unlock()
	c.JSON(http.StatusCreated, item)
}
