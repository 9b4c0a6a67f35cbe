package controllers

import (
	"net/http"

	"zfsdash/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// GetSummary returns the newest sample for a pool with human-readable rates
func (pc *PoolsController) GetSummary(c *gin.Context) {
	name, ok := poolParam(c)
	if !ok {
		return
	}

	sample, found := pc.Store.Latest(name)
	status := pc.Store.Status(name)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"pool":   name,
			"status": status,
			"error":  "no samples yet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pool":      name,
		"status":    status,
		"label":     status.Label(),
		"timestamp": sample.Timestamp,
		"sample":    sample,
		"human":     humanizeSample(sample),
	})
}

func humanizeSample(s models.Sample) gin.H {
	h := gin.H{
		"read_iops":  humanize.Commaf(s.ReadRate),
		"write_iops": humanize.Commaf(s.WriteRate),
		"read_bw":    humanize.Bytes(uint64(s.ReadThroughput)) + "/s",
		"write_bw":   humanize.Bytes(uint64(s.WriteThroughput)) + "/s",
	}
	if s.Alloc > 0 || s.Free > 0 {
		h["alloc"] = humanize.IBytes(s.Alloc)
		h["free"] = humanize.IBytes(s.Free)
	}
	return h
}
