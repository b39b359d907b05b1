package controller

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// dialTimeout performs the fastest direct TCP dial by resolving all IPs for
// host and attempting staggered parallel connections, returning the first
// success. A literal IP or an unparsable address falls back to one plain
// dial bounded by the same timeout.
func dialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return (&net.Dialer{Timeout: timeout}).Dial("tcp", addr)
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		return (&net.Dialer{Timeout: timeout}).Dial("tcp", net.JoinHostPort(ip.String(), port))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	addrs, rerr := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		return (&net.Dialer{Timeout: timeout}).Dial("tcp", addr)
	}

	resCh := make(chan net.Conn, 1)
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			// 逐个错峰发起，避免对所有地址同时压测
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
			d := &net.Dialer{Timeout: timeout}
			c, e := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			if e == nil {
				select {
				case resCh <- c:
					cancel()
				default:
					_ = c.Close()
				}
			}
		}(i, ip)
	}

	select {
	case c := <-resCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
