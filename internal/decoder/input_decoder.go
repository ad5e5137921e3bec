package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/config"
	"zkbridge/internal/logging"
)

// 最多解析的参数个数
const maxParams = 10

// 常用方法签名，时间锁载荷默认按这些签名解码
var knownSignatures = []string{
	"setMinimumDelay(uint256)",
	"addApprovedRelayer(address)",
	"removeApprovedRelayer(address)",
	"grantRole(bytes32,address)",
	"revokeRole(bytes32,address)",
	"transfer(address,uint256)",
	"approve(address,uint256)",
	"transferFrom(address,address,uint256)",
	"mint(address,uint256)",
	"burn(uint256)",
}

var knownMethods = func() map[string]string {
	m := make(map[string]string, len(knownSignatures))
	for _, sig := range knownSignatures {
		m[Selector(sig)] = sig
	}
	return m
}()

// Param 解码后的参数
type Param struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DecodedPayload 解码后的调用数据，仅用于展示
type DecodedPayload struct {
	Selector string  `json:"selector"`
	Method   string  `json:"method"`
	Params   []Param `json:"params"`
}

// InputDecoder 时间锁载荷解码器
type InputDecoder struct {
	logger *logrus.Logger
	mu     sync.RWMutex
	cache  *lru.Cache[string, string] // 方法签名缓存，禁用时为nil
	config *config.DecoderConfig
	client *retryablehttp.Client
}

// FourByteResponse 4byte.directory API响应
type FourByteResponse struct {
	Count   int         `json:"count"`
	Results []signature `json:"results"`
}

type signature struct {
	ID            int    `json:"id"`
	TextSignature string `json:"text_signature"`
	HexSignature  string `json:"hex_signature"`
}

// NewInputDecoder 创建新的输入解码器
func NewInputDecoder(logger *logrus.Logger, decoderConfig *config.DecoderConfig) (*InputDecoder, error) {
	if decoderConfig == nil {
		decoderConfig = &config.DecoderConfig{
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     "5s",
			EnableCache:    true,
			CacheSize:      10000,
			EnableAPI:      false,
		}
	}
	if decoderConfig.CacheSize <= 0 {
		decoderConfig.CacheSize = 10000
	}

	d := &InputDecoder{
		logger: logger,
		config: decoderConfig,
		client: newClient(logger, config.TimeoutDuration(decoderConfig.APITimeout, 5*time.Second)),
	}
	if decoderConfig.EnableCache {
		cache, err := lru.New[string, string](decoderConfig.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("创建签名缓存失败: %w", err)
		}
		d.cache = cache
	}
	return d, nil
}

func newClient(logger *logrus.Logger, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = logging.NewHTTPClientLogger(logger, "decoder")
	return client
}

// Selector 计算方法签名的4字节选择器
func Selector(sig string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(sig))[:4])
}

// Encode 按方法签名打包调用数据，args 为十六进制地址、十进制整数或32字节哈希的字符串形式
func Encode(sig string, args ...string) ([]byte, error) {
	types, err := parseTypes(sig)
	if err != nil {
		return nil, err
	}
	if len(types) != len(args) {
		return nil, fmt.Errorf("参数个数不匹配: 需要 %d 个，实际 %d 个", len(types), len(args))
	}

	arguments, err := buildArguments(types)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(args))
	for i, arg := range args {
		v, err := parseArg(types[i], arg)
		if err != nil {
			return nil, fmt.Errorf("第 %d 个参数无效: %w", i, err)
		}
		values[i] = v
	}

	packed, err := arguments.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("打包调用数据失败: %w", err)
	}
	return append(crypto.Keccak256([]byte(sig))[:4], packed...), nil
}

// Decode 解码调用数据，长度不足4字节时返回 false
func (d *InputDecoder) Decode(ctx context.Context, payload []byte) (*DecodedPayload, bool) {
	if len(payload) < 4 {
		return nil, false
	}

	selector := hexutil.Encode(payload[:4])
	method := d.getMethodName(ctx, selector)
	decoded := &DecodedPayload{Selector: selector, Method: method}

	if method != "unknown" {
		params, err := decodeTyped(method, payload[4:])
		if err == nil {
			decoded.Params = params
			return decoded, true
		}
		d.logger.WithField("component", "decoder").WithError(err).Debugf("按签名 %s 解码失败，退回基础解码", method)
	}
	decoded.Params = decodeBasicParameters(payload[4:])
	return decoded, true
}

// getMethodName 查找方法名：缓存、内置签名、4byte.directory
func (d *InputDecoder) getMethodName(ctx context.Context, selector string) string {
	d.mu.RLock()
	cache := d.cache
	enableAPI := d.config.EnableAPI
	d.mu.RUnlock()

	if cache != nil {
		if name, ok := cache.Get(selector); ok {
			return name
		}
	}

	name, ok := knownMethods[selector]
	if !ok && enableAPI {
		name = d.fetchFromFourByteDirectory(ctx, selector)
		ok = name != ""
	}
	if !ok {
		return "unknown"
	}
	if cache != nil {
		cache.Add(selector, name)
	}
	return name
}

// fetchFromFourByteDirectory 从4byte.directory API获取方法签名
func (d *InputDecoder) fetchFromFourByteDirectory(ctx context.Context, selector string) string {
	d.mu.RLock()
	url := fmt.Sprintf("%s?hex_signature=%s", d.config.FourByteAPIURL, selector)
	client := d.client
	d.mu.RUnlock()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		d.logger.Debugf("构建4byte.directory请求失败: %v", err)
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		d.logger.Debugf("4byte.directory API调用失败: %v", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Debugf("4byte.directory API返回错误状态: %d", resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Debugf("读取4byte.directory响应失败: %v", err)
		return ""
	}

	var response FourByteResponse
	if err := json.Unmarshal(body, &response); err != nil {
		d.logger.Debugf("解析4byte.directory响应失败: %v", err)
		return ""
	}

	if len(response.Results) > 0 {
		// 返回第一个匹配的签名
		return response.Results[0].TextSignature
	}
	return ""
}

// Unpack 按函数签名解出调用数据的参数，选择器不匹配时返回错误
func Unpack(sig string, payload []byte) ([]interface{}, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("调用数据过短: %d 字节", len(payload))
	}
	if selector := hexutil.Encode(payload[:4]); selector != Selector(sig) {
		return nil, fmt.Errorf("选择器 %s 与 %s 不匹配", selector, sig)
	}
	types, err := parseTypes(sig)
	if err != nil {
		return nil, err
	}
	arguments, err := buildArguments(types)
	if err != nil {
		return nil, err
	}
	values, err := arguments.UnpackValues(payload[4:])
	if err != nil {
		return nil, fmt.Errorf("解码 %s 参数失败: %w", sig, err)
	}
	return values, nil
}

func decodeTyped(sig string, data []byte) ([]Param, error) {
	types, err := parseTypes(sig)
	if err != nil {
		return nil, err
	}
	arguments, err := buildArguments(types)
	if err != nil {
		return nil, err
	}
	values, err := arguments.UnpackValues(data)
	if err != nil {
		return nil, err
	}

	params := make([]Param, 0, len(values))
	for i, v := range values {
		params = append(params, Param{Type: types[i], Value: formatValue(v)})
	}
	return params, nil
}

// decodeBasicParameters 未知签名时按32字节字切分
func decodeBasicParameters(data []byte) []Param {
	params := make([]Param, 0)
	for i := 0; i < maxParams && (i+1)*32 <= len(data); i++ {
		word := data[i*32 : (i+1)*32]

		// 前12字节为0时按地址展示
		if common.BytesToHash(word[:12]) == (common.Hash{}) && common.BytesToAddress(word[12:]) != (common.Address{}) {
			params = append(params, Param{Type: "address", Value: common.BytesToAddress(word[12:]).Hex()})
			continue
		}
		params = append(params, Param{Type: "bytes32", Value: hexutil.Encode(word)})
	}
	return params
}

func parseTypes(sig string) ([]string, error) {
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return nil, fmt.Errorf("无效的方法签名: %q", sig)
	}
	inner := sig[open+1 : len(sig)-1]
	if inner == "" {
		return nil, nil
	}
	if strings.ContainsAny(inner, "()") {
		return nil, fmt.Errorf("不支持元组参数: %q", sig)
	}
	types := strings.Split(inner, ",")
	if len(types) > maxParams {
		return nil, fmt.Errorf("参数过多: %d", len(types))
	}
	return types, nil
}

func buildArguments(types []string) (abi.Arguments, error) {
	arguments := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, fmt.Errorf("无效的参数类型 %q: %w", t, err)
		}
		arguments = append(arguments, abi.Argument{Type: typ})
	}
	return arguments, nil
}

func parseArg(typ, arg string) (interface{}, error) {
	switch {
	case typ == "address":
		if !common.IsHexAddress(arg) {
			return nil, fmt.Errorf("无效的地址: %q", arg)
		}
		return common.HexToAddress(arg), nil
	case typ == "bytes32":
		b, err := hexutil.Decode(arg)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("无效的32字节值: %q", arg)
		}
		var word [32]byte
		copy(word[:], b)
		return word, nil
	case typ == "uint256":
		v, ok := new(big.Int).SetString(arg, 0)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("无效的整数: %q", arg)
		}
		return v, nil
	case typ == "bool":
		switch arg {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("无效的布尔值: %q", arg)
	default:
		return nil, fmt.Errorf("不支持的参数类型: %s", typ)
	}
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case common.Address:
		return val.Hex()
	case *big.Int:
		return val.String()
	case [32]byte:
		return hexutil.Encode(val[:])
	case []byte:
		return hexutil.Encode(val)
	default:
		return fmt.Sprint(val)
	}
}

// ClearCache 清理缓存
func (d *InputDecoder) ClearCache() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cache != nil {
		d.cache.Purge()
	}
}

// GetCacheSize 获取缓存大小
func (d *InputDecoder) GetCacheSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cache == nil {
		return 0
	}
	return d.cache.Len()
}

// GetConfig 获取解码器配置
func (d *InputDecoder) GetConfig() *config.DecoderConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// UpdateConfig 更新解码器配置
func (d *InputDecoder) UpdateConfig(newConfig *config.DecoderConfig) error {
	if newConfig == nil {
		return fmt.Errorf("配置不能为空")
	}
	timeout, err := time.ParseDuration(newConfig.APITimeout)
	if err != nil {
		return fmt.Errorf("无效的API超时时间: %v", err)
	}

	var cache *lru.Cache[string, string]
	if newConfig.EnableCache {
		size := newConfig.CacheSize
		if size <= 0 {
			size = 10000
		}
		if cache, err = lru.New[string, string](size); err != nil {
			return fmt.Errorf("创建签名缓存失败: %w", err)
		}
	}

	d.mu.Lock()
	d.config = newConfig
	d.cache = cache
	d.client = newClient(d.logger, timeout)
	d.mu.Unlock()

	d.logger.Infof("解码器配置已更新")
	return nil
}
